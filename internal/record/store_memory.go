package record

import (
	"context"
	"sort"
	"sync"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
)

// InMemoryStore is a Store for development and tests. Payload values are
// immutable, so copying the struct is enough to isolate callers.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[domain.RawRecordID]*RawRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[domain.RawRecordID]*RawRecord)}
}

func (s *InMemoryStore) Create(_ context.Context, r *RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.RawRecordID) (*RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemoryStore) List(_ context.Context, filter Filter) ([]*RawRecord, error) {
	matched := s.matching(filter)
	return paginate(matched, filter.Limit, filter.Offset), nil
}

func (s *InMemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	return len(s.matching(filter)), nil
}

func (s *InMemoryStore) matching(filter Filter) []*RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RawRecord, 0)
	for _, r := range s.records {
		if filter.Matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *InMemoryStore) Execute(_ context.Context, id domain.RawRecordID, validate func(*RawRecord) error, apply func(*RawRecord)) (*RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *r
	if err := validate(&cp); err != nil {
		return nil, err
	}
	apply(&cp)
	s.records[id] = &cp
	out := cp
	return &out, nil
}
