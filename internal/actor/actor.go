// Package actor implements the market actor: the single-writer stateful
// process for one market instance. The actor owns the live game record, the
// connection registry, the persistence path, and the one timer slot; every
// mutation is processed strictly one at a time through its mailbox, so the
// game and clearing packages need no internal locks.
package actor

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/watthour/gridmarket/internal/directory"
	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/protocol"
	"github.com/watthour/gridmarket/internal/view"
)

// ErrStopped is returned when an operation reaches an actor that has already
// shut down.
var ErrStopped = errors.New("actor: stopped")

const (
	// mailboxSize bounds how many pending operations a busy actor queues.
	mailboxSize = 64

	// cleanupTolerance absorbs scheduler jitter when comparing "now" to the
	// stored cleanup instant.
	cleanupTolerance = time.Second
)

// timerPurpose disambiguates the single platform timer slot.
type timerPurpose int

const (
	timerIdle timerPurpose = iota
	timerAdvance
	timerCleanup
)

// Config carries the actor's collaborators and tunables.
type Config struct {
	Market   string
	Store    domain.GameStore
	Archive  domain.PeriodArchive // optional
	Dir      *directory.Client    // optional
	Logger   *slog.Logger

	// CleanupDelay is the fixed delay between a game completing (or the last
	// connection leaving a non-active game) and its storage being deleted.
	CleanupDelay time.Duration

	// Now and Seed exist for tests; zero values select the real clock and a
	// random seed.
	Now  func() time.Time
	Seed int64
}

// Actor is the market actor. All fields below the mailbox are owned by the
// run goroutine and must not be touched from outside it.
type Actor struct {
	market  string
	store   domain.GameStore
	archive domain.PeriodArchive
	dir     *directory.Client
	logger  *slog.Logger
	now     func() time.Time
	delay   time.Duration

	mailbox chan func()
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	rec         *domain.GameRecord
	bans        map[string]struct{}
	lastPeriod  *domain.PeriodRecord
	lastDirSnap string
	registry    *registry
	rng         *rand.Rand

	timer        *time.Timer
	timerPurpose timerPurpose
	cleanupAt    time.Time

	// resetGen invalidates cleanup fires armed before a reset.
	resetGen int
}

// New restores an actor from storage and starts its mailbox. The restore is
// the blocking gate: no request is accepted until every in-memory field has
// been reconstructed, so eviction is invisible to callers beyond latency.
func New(ctx context.Context, cfg Config) (*Actor, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CleanupDelay == 0 {
		cfg.CleanupDelay = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		var b [8]byte
		if _, err := crand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("actor: seed rng: %w", err)
		}
		seed = int64(binary.LittleEndian.Uint64(b[:]))
	}

	actorCtx, cancel := context.WithCancel(ctx)
	a := &Actor{
		market:   cfg.Market,
		store:    cfg.Store,
		archive:  cfg.Archive,
		dir:      cfg.Dir,
		logger:   cfg.Logger.With(slog.String("component", "actor"), slog.String("market", cfg.Market)),
		now:      cfg.Now,
		delay:    cfg.CleanupDelay,
		mailbox:  make(chan func(), mailboxSize),
		stopped:  make(chan struct{}),
		ctx:      actorCtx,
		cancel:   cancel,
		registry: newRegistry(),
		rng:      rand.New(rand.NewSource(seed)),
	}

	if err := a.restore(actorCtx); err != nil {
		cancel()
		return nil, err
	}

	go a.run()
	return a, nil
}

// restore reconstructs every in-memory field from storage. Each field has a
// defined default and a defined restore step; a field missing here would
// silently revert to its default after eviction.
func (a *Actor) restore(ctx context.Context) error {
	rec, err := a.store.LoadGame(ctx, a.market)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rec = domain.NewGameRecord()
	case err != nil:
		return fmt.Errorf("actor: restore game: %w", err)
	}
	a.rec = rec

	bans, err := a.store.LoadBans(ctx, a.market)
	if err != nil {
		return fmt.Errorf("actor: restore bans: %w", err)
	}
	a.bans = make(map[string]struct{}, len(bans))
	for _, id := range bans {
		a.bans[id] = struct{}{}
	}

	// The most recent cleared period feeds incremental pushes. Loading only
	// that one key keeps wake cost independent of game length.
	if last := rec.CurrentPeriod - 1; last >= 1 {
		p, err := a.store.LoadPeriod(ctx, a.market, last)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			// CurrentPeriod was persisted ahead of the period record; a
			// missing key only costs the next incremental push its history.
		case err != nil:
			return fmt.Errorf("actor: restore last period: %w", err)
		default:
			a.lastPeriod = p
		}
	}

	snap, err := a.store.LoadDirSnapshot(ctx, a.market)
	if err != nil {
		return fmt.Errorf("actor: restore directory snapshot: %w", err)
	}
	a.lastDirSnap = snap

	// Re-arm the timer slot. A persisted cleanup marker wins over the
	// advance deadline; an active auto-advance game cannot have one.
	if at, err := a.store.LoadCleanupAt(ctx, a.market); err == nil {
		a.armCleanup(at)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("actor: restore cleanup marker: %w", err)
	} else if rec.State == domain.StateRunning && rec.AutoAdvance && !rec.NextDeadline.IsZero() {
		a.armAdvance(rec.NextDeadline)
	}

	a.logger.Info("restored",
		slog.String("state", string(rec.State)),
		slog.Int("players", len(rec.Players)),
		slog.Int("current_period", rec.CurrentPeriod),
	)
	return nil
}

func (a *Actor) run() {
	defer close(a.stopped)
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.ctx.Done():
			a.stopTimer()
			for _, c := range a.registry.all() {
				c.CloseWith(protocol.CloseDestroyed, "")
			}
			return
		}
	}
}

// do runs fn on the mailbox goroutine and waits for it to finish.
func (a *Actor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case a.mailbox <- wrapped:
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Market returns the market name this actor serves.
func (a *Actor) Market() string { return a.market }

// Stop shuts the actor down without touching storage. Live connections are
// closed with the destroyed code.
func (a *Actor) Stop() {
	a.cancel()
	<-a.stopped
}

// persist writes the live record; failure is logged and surfaced so the
// caller can decide whether the command still acknowledges.
func (a *Actor) persist() error {
	if err := a.store.SaveGame(a.ctx, a.market, a.rec); err != nil {
		a.logger.Error("persist failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// broadcast projects the record per recipient and pushes it to every open
// connection. Send failures close only the failing connection.
func (a *Actor) broadcast() {
	var inc []*domain.PeriodRecord
	if a.lastPeriod != nil {
		inc = []*domain.PeriodRecord{a.lastPeriod}
	}
	for _, c := range a.registry.all() {
		v := view.Project(a.rec, c.Role(), c.Identity(), inc, view.Options{})
		a.push(c, &protocol.Push{Type: protocol.PushGameState, Game: v})
	}
}

// push sends one message to one connection, dropping the connection on
// failure.
func (a *Actor) push(c Conn, p *protocol.Push) {
	data, err := protocol.EncodePush(p)
	if err != nil {
		a.logger.Error("encode push", slog.String("error", err.Error()))
		return
	}
	if err := c.Send(data); err != nil {
		a.logger.Warn("push failed, dropping connection",
			slog.String("identity", c.Identity()),
			slog.String("error", err.Error()),
		)
		a.registry.remove(c)
		c.CloseWith(0, "")
		a.notifyPresence()
	}
}

// pushError sends a per-command negative acknowledgement to the offending
// connection only.
func (a *Actor) pushError(c Conn, msg string) {
	a.push(c, &protocol.Push{Type: protocol.PushError, Error: msg})
}

// notifyPresence sends the connected-identities list to privileged
// connections after connect/disconnect churn.
func (a *Actor) notifyPresence() {
	admins := a.registry.admins()
	if len(admins) == 0 {
		return
	}
	ids := a.registry.identities()
	for _, c := range admins {
		a.push(c, &protocol.Push{Type: protocol.PushConnected, Identities: ids})
	}
}

// syncDirectory mirrors the summary to the external listing service when it
// changed since the last successful push. On failure the stored snapshot is
// left alone so the next state change retries.
func (a *Actor) syncDirectory() {
	if a.dir == nil || !a.dir.Enabled() {
		return
	}
	summary := domain.Summary{
		Market:        a.market,
		State:         a.rec.State,
		Visibility:    a.rec.Visibility,
		PlayerCount:   len(a.rec.Players),
		MaxPlayers:    a.rec.Options.MaxPlayers,
		CurrentPeriod: a.rec.CurrentPeriod,
		Periods:       a.rec.Options.Periods,
	}
	snap := directory.Canonical(summary)
	if snap == a.lastDirSnap {
		return
	}

	var err error
	if a.rec.Visibility == domain.VisibilityPublic && a.rec.State != domain.StateUninitialized {
		err = a.dir.Publish(a.ctx, summary)
	} else {
		err = a.dir.Remove(a.ctx, a.market)
	}
	if err != nil {
		a.logger.Warn("directory sync failed", slog.String("error", err.Error()))
		return
	}
	a.lastDirSnap = snap
	if err := a.store.SaveDirSnapshot(a.ctx, a.market, snap); err != nil {
		a.logger.Warn("directory snapshot save failed", slog.String("error", err.Error()))
	}
}

// mutated is the common tail of every successful mutation: persist, then
// broadcast, then mirror the directory summary. The persist error comes back
// so command dispatch can NACK the sender.
func (a *Actor) mutated() error {
	if err := a.persist(); err != nil {
		return err
	}
	a.broadcast()
	a.syncDirectory()
	return nil
}
