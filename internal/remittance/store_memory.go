package remittance

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
)

// InMemoryStore is a Store for development and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	remittances map[domain.RemittanceID]*Remittance
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{remittances: make(map[domain.RemittanceID]*Remittance)}
}

func (s *InMemoryStore) Create(_ context.Context, r *Remittance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.remittances[r.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	for _, existing := range s.remittances {
		if existing.RawRecordID == r.RawRecordID && existing.IsActive() {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.remittances[r.ID] = cloneRemittance(r)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.RemittanceID) (*Remittance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.remittances[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRemittance(r), nil
}

func (s *InMemoryStore) FindActiveByRecord(_ context.Context, recordID domain.RawRecordID) (*Remittance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.remittances {
		if r.RawRecordID == recordID && r.IsActive() {
			return cloneRemittance(r), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) UpdateIfStatus(_ context.Context, r *Remittance, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.remittances[r.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != expected {
		return sentinel.ErrConflict
	}
	s.remittances[r.ID] = cloneRemittance(r)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, filter Filter) ([]*Remittance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Remittance, 0)
	for _, r := range s.remittances {
		if filter.Matches(r) {
			out = append(out, cloneRemittance(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return out[:0], nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context, filter Filter) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter.Status = ""
	counts := make(map[Status]int)
	for _, r := range s.remittances {
		if filter.Matches(r) {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func cloneRemittance(r *Remittance) *Remittance {
	cp := *r
	cp.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	if r.CancelledAt != nil {
		t := *r.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

// InMemoryLogStore is a LogStore for development and tests.
type InMemoryLogStore struct {
	mu   sync.RWMutex
	logs map[domain.RemittanceID][]Log
}

func NewInMemoryLogStore() *InMemoryLogStore {
	return &InMemoryLogStore{logs: make(map[domain.RemittanceID][]Log)}
}

func (s *InMemoryLogStore) Append(_ context.Context, entries ...Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.logs[e.RemittanceID] = append(s.logs[e.RemittanceID], e)
	}
	return nil
}

func (s *InMemoryLogStore) ListByRemittance(_ context.Context, id domain.RemittanceID) ([]Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Log{}, s.logs[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *InMemoryLogStore) LastAttempt(_ context.Context, id domain.RemittanceID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := 0
	for _, e := range s.logs[id] {
		if e.Attempt > last {
			last = e.Attempt
		}
	}
	return last, nil
}
