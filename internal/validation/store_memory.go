package validation

import (
	"context"
	"sort"
	"sync"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
)

// InMemoryRuleStore is a RuleStore for development and tests.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[domain.RuleID]*Rule
	seq   map[domain.RuleID]int64
	next  int64
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[domain.RuleID]*Rule),
		seq:   make(map[domain.RuleID]int64),
	}
}

func (s *InMemoryRuleStore) Create(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return sentinel.ErrAlreadyUsed
	}
	s.rules[r.ID] = cloneRule(r)
	s.next++
	s.seq[r.ID] = s.next
	return nil
}

func (s *InMemoryRuleStore) FindByID(_ context.Context, id domain.RuleID) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRule(r), nil
}

func (s *InMemoryRuleStore) List(_ context.Context, filter RuleFilter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if filter.Module != "" && r.Module != filter.Module {
			continue
		}
		if filter.ActiveOnly && !r.Active {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *InMemoryRuleStore) Execute(_ context.Context, id domain.RuleID, validate func(*Rule) error, apply func(*Rule)) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := cloneRule(r)
	if err := validate(cp); err != nil {
		return nil, err
	}
	apply(cp)
	s.rules[id] = cloneRule(cp)
	return cp, nil
}

func cloneRule(r *Rule) *Rule {
	cp := *r
	cp.Conditions = append([]Condition(nil), r.Conditions...)
	return &cp
}

// InMemoryFindingStore is a FindingStore for development and tests.
type InMemoryFindingStore struct {
	mu       sync.RWMutex
	findings map[domain.RawRecordID][]Finding
}

func NewInMemoryFindingStore() *InMemoryFindingStore {
	return &InMemoryFindingStore{findings: make(map[domain.RawRecordID][]Finding)}
}

func (s *InMemoryFindingStore) Replace(_ context.Context, recordID domain.RawRecordID, findings []Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(findings) == 0 {
		delete(s.findings, recordID)
		return nil
	}
	s.findings[recordID] = append([]Finding(nil), findings...)
	return nil
}

func (s *InMemoryFindingStore) List(_ context.Context, recordID domain.RawRecordID) ([]Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Finding{}, s.findings[recordID]...), nil
}

func (s *InMemoryFindingStore) Clear(_ context.Context, recordID domain.RawRecordID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.findings[recordID])
	delete(s.findings, recordID)
	return n, nil
}
