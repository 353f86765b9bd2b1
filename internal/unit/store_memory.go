package unit

import (
	"context"
	"sort"
	"strings"
	"sync"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
)

type credentialKey struct {
	unit domain.UnitID
	env  Environment
}

// InMemoryStore is a Store for development and tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	units       map[domain.UnitID]*Unit
	codes       map[string]domain.UnitID
	credentials map[credentialKey][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		units:       make(map[domain.UnitID]*Unit),
		codes:       make(map[string]domain.UnitID),
		credentials: make(map[credentialKey][]byte),
	}
}

func (s *InMemoryStore) Create(_ context.Context, u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := strings.ToUpper(u.Code)
	if _, taken := s.codes[code]; taken {
		return sentinel.ErrAlreadyUsed
	}
	cp := *u
	s.units[u.ID] = &cp
	s.codes[code] = u.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.UnitID) (*Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// List returns units ordered by code.
func (s *InMemoryStore) List(_ context.Context) ([]*Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Unit, 0, len(s.units))
	for _, u := range s.units {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemoryStore) Execute(_ context.Context, id domain.UnitID, validate func(*Unit) error, apply func(*Unit)) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *u
	if err := validate(&cp); err != nil {
		return nil, err
	}
	apply(&cp)
	s.units[id] = &cp
	out := cp
	return &out, nil
}

func (s *InMemoryStore) SaveCredentials(_ context.Context, id domain.UnitID, env Environment, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[id]; !ok {
		return sentinel.ErrNotFound
	}
	s.credentials[credentialKey{id, env}] = append([]byte(nil), sealed...)
	return nil
}

func (s *InMemoryStore) LoadCredentials(_ context.Context, id domain.UnitID, env Environment) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sealed, ok := s.credentials[credentialKey{id, env}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return append([]byte(nil), sealed...), nil
}
