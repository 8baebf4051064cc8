// Package memory provides an in-memory domain.GameStore used by tests. It
// round-trips values through JSON so test behavior matches the redis
// backend's serialization boundary.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

type marketState struct {
	game      []byte
	periods   map[int][]byte
	bans      []string
	cleanupAt time.Time
	hasWake   bool
	dirSnap   string
}

// GameStore is a thread-safe in-memory implementation of domain.GameStore.
type GameStore struct {
	mu      sync.Mutex
	markets map[string]*marketState
}

// NewGameStore returns an empty in-memory store.
func NewGameStore() *GameStore {
	return &GameStore{markets: make(map[string]*marketState)}
}

func (s *GameStore) market(m string) *marketState {
	st, ok := s.markets[m]
	if !ok {
		st = &marketState{periods: make(map[int][]byte)}
		s.markets[m] = st
	}
	return st
}

func (s *GameStore) LoadGame(_ context.Context, market string) (*domain.GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok || st.game == nil {
		return nil, domain.ErrNotFound
	}
	rec := domain.NewGameRecord()
	if err := json.Unmarshal(st.game, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GameStore) SaveGame(_ context.Context, market string, rec *domain.GameRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market(market).game = data
	return nil
}

func (s *GameStore) SavePeriod(_ context.Context, market string, p *domain.PeriodRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market(market).periods[p.Period] = data
	return nil
}

func (s *GameStore) LoadPeriod(_ context.Context, market string, period int) (*domain.PeriodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok {
		return nil, domain.ErrNotFound
	}
	data, ok := st.periods[period]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var p domain.PeriodRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GameStore) LoadPeriods(_ context.Context, market string) ([]*domain.PeriodRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok {
		return nil, nil
	}
	nums := make([]int, 0, len(st.periods))
	for n := range st.periods {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]*domain.PeriodRecord, 0, len(nums))
	for _, n := range nums {
		var p domain.PeriodRecord
		if err := json.Unmarshal(st.periods[n], &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *GameStore) DeletePeriods(_ context.Context, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.markets[market]; ok {
		st.periods = make(map[int][]byte)
	}
	return nil
}

func (s *GameStore) SaveBans(_ context.Context, market string, identities []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market(market).bans = append([]string(nil), identities...)
	return nil
}

func (s *GameStore) LoadBans(_ context.Context, market string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), st.bans...), nil
}

func (s *GameStore) SaveCleanupAt(_ context.Context, market string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.market(market)
	st.cleanupAt = at
	st.hasWake = true
	return nil
}

func (s *GameStore) LoadCleanupAt(_ context.Context, market string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok || !st.hasWake {
		return time.Time{}, domain.ErrNotFound
	}
	return st.cleanupAt, nil
}

func (s *GameStore) ClearCleanupAt(_ context.Context, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.markets[market]; ok {
		st.hasWake = false
	}
	return nil
}

func (s *GameStore) SaveDirSnapshot(_ context.Context, market string, snapshot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market(market).dirSnap = snapshot
	return nil
}

func (s *GameStore) LoadDirSnapshot(_ context.Context, market string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok {
		return "", nil
	}
	return st.dirSnap, nil
}

func (s *GameStore) ApproxSize(_ context.Context, market string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[market]
	if !ok {
		return 0, nil
	}
	total := int64(len(st.game) + len(st.dirSnap))
	for _, p := range st.periods {
		total += int64(len(p))
	}
	for _, b := range st.bans {
		total += int64(len(b))
	}
	return total, nil
}

func (s *GameStore) Wipe(_ context.Context, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markets, market)
	return nil
}
