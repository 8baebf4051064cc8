package actor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/watthour/gridmarket/internal/directory"
	"github.com/watthour/gridmarket/internal/domain"
)

// marketNameRE bounds what a market may be called; the name becomes part of
// every storage key.
var marketNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,47}$`)

// Manager addresses actors by market name, creating and restoring one on
// first use. Actors never share state or coordinate; horizontal scaling is
// one actor per market name.
type Manager struct {
	store   domain.GameStore
	archive domain.PeriodArchive
	dir     *directory.Client
	logger  *slog.Logger
	delay   time.Duration

	mu     sync.Mutex
	actors map[string]*actorEntry
	ctx    context.Context
	cancel context.CancelFunc
}

// actorEntry is a per-market latch: the first Get inserts one and restores
// outside the manager lock, so one market's cold start never stalls lookups
// of other markets. Concurrent Gets for the same market wait on ready.
type actorEntry struct {
	ready chan struct{}
	actor *Actor
	err   error
}

// ManagerConfig configures the shared collaborators handed to every actor.
type ManagerConfig struct {
	Store        domain.GameStore
	Archive      domain.PeriodArchive
	Dir          *directory.Client
	Logger       *slog.Logger
	CleanupDelay time.Duration
}

// NewManager creates an empty actor table.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	mctx, cancel := context.WithCancel(ctx)
	return &Manager{
		store:   cfg.Store,
		archive: cfg.Archive,
		dir:     cfg.Dir,
		logger:  cfg.Logger,
		delay:   cfg.CleanupDelay,
		actors:  make(map[string]*actorEntry),
		ctx:     mctx,
		cancel:  cancel,
	}
}

// Get returns the actor for a market, restoring it from storage on first
// use. The restore gate inside New blocks until every field is loaded, so a
// cold actor is indistinguishable from a warm one beyond latency.
func (m *Manager) Get(market string) (*Actor, error) {
	if !marketNameRE.MatchString(market) {
		return nil, fmt.Errorf("%w: bad market name %q", domain.ErrNotFound, market)
	}
	m.mu.Lock()
	if e, ok := m.actors[market]; ok {
		m.mu.Unlock()
		<-e.ready
		return e.actor, e.err
	}
	e := &actorEntry{ready: make(chan struct{})}
	m.actors[market] = e
	m.mu.Unlock()

	a, err := New(m.ctx, Config{
		Market:       market,
		Store:        m.store,
		Archive:      m.archive,
		Dir:          m.dir,
		Logger:       m.logger,
		CleanupDelay: m.delay,
	})

	m.mu.Lock()
	if err != nil {
		// A failed restore must not poison the slot; the next Get retries.
		delete(m.actors, market)
	} else {
		e.actor = a
	}
	e.err = err
	close(e.ready)
	m.mu.Unlock()
	return a, err
}

// Peek returns an already-resident actor without creating one. A market
// still mid-restore reports absent.
func (m *Manager) Peek(market string) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.actors[market]
	if !ok || e.actor == nil {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.actor, true
	default:
		return nil, false
	}
}

// Destroy tears a market down completely and forgets its actor.
func (m *Manager) Destroy(ctx context.Context, market string) error {
	a, err := m.Get(market)
	if err != nil {
		return err
	}
	if err := a.Destroy(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.actors, market)
	m.mu.Unlock()
	return nil
}

// Evict stops a resident actor without touching storage, simulating planned
// platform eviction. The next Get restores it.
func (m *Manager) Evict(market string) {
	m.mu.Lock()
	e, ok := m.actors[market]
	delete(m.actors, market)
	m.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.actor != nil {
		e.actor.Stop()
	}
}

// Shutdown stops every resident actor.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	entries := make([]*actorEntry, 0, len(m.actors))
	for _, e := range m.actors {
		entries = append(entries, e)
	}
	m.actors = make(map[string]*actorEntry)
	m.mu.Unlock()
	for _, e := range entries {
		<-e.ready
		if e.actor != nil {
			<-e.actor.stopped
		}
	}
}
