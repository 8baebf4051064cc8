package actor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/watthour/gridmarket/internal/clearing"
	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/game"
)

// The actor has exactly one timer slot. It serves two purposes disambiguated
// by timerPurpose: firing at the auto-advance deadline, or firing at a
// deferred-cleanup instant to delete an unattended market's storage.

func (a *Actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerPurpose = timerIdle
}

func (a *Actor) armTimer(at time.Time, purpose timerPurpose) {
	a.stopTimer()
	gen := a.resetGen
	d := at.Sub(a.now())
	if d < 0 {
		d = 0
	}
	a.timerPurpose = purpose
	a.timer = time.AfterFunc(d, func() {
		// Re-enter through the mailbox; the timer goroutine owns nothing.
		_ = a.do(a.ctx, func() { a.onWake(purpose, gen) })
	})
}

func (a *Actor) armAdvance(deadline time.Time) {
	// Arming the slot for advance supersedes any pending cleanup.
	if !a.cleanupAt.IsZero() {
		if err := a.store.ClearCleanupAt(a.ctx, a.market); err != nil {
			a.logger.Warn("clear cleanup marker", slog.String("error", err.Error()))
		}
		a.cleanupAt = time.Time{}
	}
	a.armTimer(deadline, timerAdvance)
}

func (a *Actor) armCleanup(at time.Time) {
	a.cleanupAt = at
	a.armTimer(at, timerCleanup)
}

// scheduleCleanup arms and persists a deferred cleanup a fixed delay from
// now. The marker survives eviction so a restored actor re-arms it.
func (a *Actor) scheduleCleanup() {
	at := a.now().Add(a.delay)
	if err := a.store.SaveCleanupAt(a.ctx, a.market, at); err != nil {
		a.logger.Warn("save cleanup marker", slog.String("error", err.Error()))
	}
	a.armCleanup(at)
}

// maybeScheduleCleanup arms a cleanup when the market has become
// unattended: the game completed, or the last connection dropped from a
// non-active game.
func (a *Actor) maybeScheduleCleanup() {
	if a.rec.State == domain.StateRunning {
		return
	}
	if a.rec.State == domain.StateCompleted || a.registry.count() == 0 {
		a.scheduleCleanup()
	}
}

func (a *Actor) onWake(purpose timerPurpose, gen int) {
	switch purpose {
	case timerAdvance:
		if a.rec.State != domain.StateRunning || !a.rec.AutoAdvance {
			return
		}
		if a.rec.NextDeadline.IsZero() || a.now().Before(a.rec.NextDeadline) {
			// Deadline moved while the timer was in flight.
			if !a.rec.NextDeadline.IsZero() {
				a.armAdvance(a.rec.NextDeadline)
			}
			return
		}
		a.advance()
		a.mutated()
	case timerCleanup:
		// Ignore fires armed before a subsequent reset.
		if gen != a.resetGen {
			return
		}
		a.fireCleanup()
	}
}

// fireCleanup deletes all storage for the market if it is still unattended,
// reschedules if someone reconnected or the game is active.
func (a *Actor) fireCleanup() {
	at, err := a.store.LoadCleanupAt(a.ctx, a.market)
	if errors.Is(err, domain.ErrNotFound) {
		a.timerPurpose = timerIdle
		return
	}
	if err != nil {
		a.logger.Warn("load cleanup marker", slog.String("error", err.Error()))
		return
	}
	// A negative tolerance absorbs scheduler jitter.
	if a.now().Before(at.Add(-cleanupTolerance)) {
		a.armCleanup(at)
		return
	}
	if a.rec.State == domain.StateRunning || a.registry.count() > 0 {
		a.scheduleCleanup()
		return
	}

	a.logger.Info("cleaning up unattended market")
	if err := a.store.Wipe(a.ctx, a.market); err != nil {
		a.logger.Error("wipe failed", slog.String("error", err.Error()))
		a.scheduleCleanup()
		return
	}
	if a.dir != nil {
		if err := a.dir.Remove(a.ctx, a.market); err != nil {
			a.logger.Warn("directory remove failed", slog.String("error", err.Error()))
		}
	}
	a.rec = domain.NewGameRecord()
	a.bans = make(map[string]struct{})
	a.lastPeriod = nil
	a.lastDirSnap = ""
	a.stopTimer()
}

// advance clears the current period (when one is open) and moves the game
// forward, arming the next deadline or completing the game.
func (a *Actor) advance() {
	now := a.now()
	if a.rec.CurrentPeriod >= 1 {
		demand := clearing.Demand(
			len(a.rec.Players),
			a.rec.CurrentPeriod,
			a.rec.Options.DemandProfile,
			a.rec.Options.DemandJitterPct,
			a.rng,
		)
		gens := make([]*domain.Generator, 0, len(a.rec.Generators))
		for _, g := range a.rec.Generators {
			gens = append(gens, g)
		}
		balances := make(map[string]float64, len(a.rec.Players))
		for id, p := range a.rec.Players {
			balances[id] = p.Balance
		}
		rec := clearing.Clear(
			a.rec.CurrentPeriod, gens, balances, demand,
			a.rec.Options.Settlement, a.rec.Options.ScarcityPrice,
			a.rng, now,
		)
		game.ApplySettlement(a.rec, rec)
		if err := a.store.SavePeriod(a.ctx, a.market, rec); err != nil {
			a.logger.Error("save period failed",
				slog.Int("period", rec.Period),
				slog.String("error", err.Error()),
			)
		}
		if a.archive != nil {
			if err := a.archive.ArchivePeriod(a.ctx, a.market, rec); err != nil {
				a.logger.Warn("period archive failed",
					slog.Int("period", rec.Period),
					slog.String("error", err.Error()),
				)
			}
		}
		a.lastPeriod = rec
	}

	if completed := game.AdvancePeriod(a.rec, now); completed {
		a.stopTimer()
		a.logger.Info("game completed", slog.Int("periods", a.rec.Options.Periods))
		a.scheduleCleanup()
		return
	}
	if a.rec.AutoAdvance {
		a.armAdvance(a.rec.NextDeadline)
	} else {
		a.stopTimer()
	}
}
