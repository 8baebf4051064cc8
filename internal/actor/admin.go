package actor

import (
	"context"
	"log/slog"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/protocol"
	"github.com/watthour/gridmarket/internal/view"
)

// Diagnostics is the read-only summary exposed on the admin surface.
type Diagnostics struct {
	Market         string       `json:"market"`
	Exists         bool         `json:"exists"`
	State          domain.State `json:"state"`
	Players        int          `json:"players"`
	CurrentPeriod  int          `json:"current_period"`
	ClearedPeriods int          `json:"cleared_periods"`
	StorageBytes   int64        `json:"storage_bytes"`
	TimerArmed     bool         `json:"timer_armed"`
	Connections    int          `json:"connections"`
}

// ForceReset is the admin-surface counterpart of the reset-game command.
// It is blocked while the game is running.
func (a *Actor) ForceReset(ctx context.Context) error {
	var result error
	if err := a.do(ctx, func() { result = a.resetGame() }); err != nil {
		return err
	}
	return result
}

// SetVisibility changes the market's directory visibility.
func (a *Actor) SetVisibility(ctx context.Context, v domain.Visibility) error {
	var result error
	err := a.do(ctx, func() {
		if result = a.setVisibility(v); result == nil {
			result = a.mutated()
		}
	})
	if err != nil {
		return err
	}
	return result
}

// Destroy closes every connection with the destroyed code, wipes all
// storage for the market, removes it from the external directory, and stops
// the actor. The caller (the actor manager) forgets the actor afterward.
func (a *Actor) Destroy(ctx context.Context) error {
	var result error
	err := a.do(ctx, func() {
		for _, c := range a.registry.all() {
			a.registry.remove(c)
			c.CloseWith(protocol.CloseDestroyed, protocol.TerminalCloseText[protocol.CloseDestroyed])
		}
		a.stopTimer()
		if err := a.store.Wipe(a.ctx, a.market); err != nil {
			result = err
			return
		}
		if a.dir != nil {
			if err := a.dir.Remove(a.ctx, a.market); err != nil {
				a.logger.Warn("directory remove failed", slog.String("error", err.Error()))
			}
		}
	})
	if err != nil {
		return err
	}
	if result != nil {
		return result
	}
	a.Stop()
	return nil
}

// Inspect assembles the diagnostic summary.
func (a *Actor) Inspect(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics
	var result error
	err := a.do(ctx, func() {
		d = Diagnostics{
			Market:        a.market,
			Exists:        a.rec.State != domain.StateUninitialized,
			State:         a.rec.State,
			Players:       len(a.rec.Players),
			CurrentPeriod: a.rec.CurrentPeriod,
			TimerArmed:    a.timerPurpose != timerIdle,
			Connections:   a.registry.count(),
		}
		periods, err := a.store.LoadPeriods(a.ctx, a.market)
		if err != nil {
			result = err
			return
		}
		d.ClearedPeriods = len(periods)
		size, err := a.store.ApproxSize(a.ctx, a.market)
		if err != nil {
			result = err
			return
		}
		d.StorageBytes = size
	})
	if err != nil {
		return Diagnostics{}, err
	}
	return d, result
}

// Export assembles the role-filtered bulk data view for offline analysis:
// the full record projection plus every cleared period, with dispatch detail
// included for the privileged role.
func (a *Actor) Export(ctx context.Context, role domain.Role, identity string) (*view.GameView, error) {
	var v *view.GameView
	var result error
	err := a.do(ctx, func() {
		periods, err := a.store.LoadPeriods(a.ctx, a.market)
		if err != nil {
			result = err
			return
		}
		v = view.Project(a.rec, role, identity, periods, view.Options{
			Full:            true,
			IncludeDispatch: role == domain.RoleAdmin,
		})
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		return nil, result
	}
	return v, nil
}
