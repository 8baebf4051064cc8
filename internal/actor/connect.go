package actor

import (
	"context"
	"crypto/subtle"
	"log/slog"

	"github.com/watthour/gridmarket/internal/auth"
	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/game"
	"github.com/watthour/gridmarket/internal/protocol"
	"github.com/watthour/gridmarket/internal/view"
)

// Admit runs the game-side admission rules for an identity before the
// WebSocket upgrade, so a rejection can still carry a structured error code.
// Proof verification happens in the server, before this call.
func (a *Actor) Admit(ctx context.Context, role domain.Role, identity, token string) error {
	var result error
	err := a.do(ctx, func() {
		result = a.admit(role, identity, token)
	})
	if err != nil {
		return err
	}
	return result
}

func (a *Actor) admit(role domain.Role, identity, token string) error {
	if role == domain.RoleAdmin {
		return nil
	}
	if _, banned := a.bans[identity]; banned {
		return domain.ErrBanned
	}
	if game.Rejoin(a.rec, identity) {
		// A returning player must present the token it joined with.
		stored := a.rec.Players[identity].TokenHash
		if subtle.ConstantTimeCompare([]byte(stored), []byte(auth.HashToken(token))) != 1 {
			return domain.ErrUnauthorized
		}
		return nil
	}
	return game.CanJoin(a.rec, identity)
}

// Attach registers an upgraded connection with the actor: it re-runs
// admission (the lifecycle may have moved between Admit and the upgrade),
// joins a new player, displaces any prior connection for the same identity
// with the replaced close code, and sends the full-history snapshot.
func (a *Actor) Attach(ctx context.Context, c Conn, token string) error {
	var result error
	err := a.do(ctx, func() {
		result = a.attach(c, token)
	})
	if err != nil {
		return err
	}
	return result
}

func (a *Actor) attach(c Conn, token string) error {
	if err := a.admit(c.Role(), c.Identity(), token); err != nil {
		return err
	}

	joined := false
	if c.Role() == domain.RolePlayer && !game.Rejoin(a.rec, c.Identity()) {
		if err := game.Join(a.rec, c.Identity(), auth.HashToken(token)); err != nil {
			return err
		}
		joined = true
	}

	// Last connection wins for a player identity. Admins may run several
	// connections side by side, even under the same identity.
	if c.Role() == domain.RolePlayer {
		if prior := a.registry.byPlayerIdentity(c.Identity()); prior != nil {
			a.registry.remove(prior)
			prior.CloseWith(protocol.CloseReplaced, protocol.TerminalCloseText[protocol.CloseReplaced])
		}
	}
	a.registry.add(c)

	if joined {
		a.mutated()
	}
	a.sendSnapshot(c)
	a.notifyPresence()
	return nil
}

// sendSnapshot pushes the full-history projection to a newly attached
// connection.
func (a *Actor) sendSnapshot(c Conn) {
	periods, err := a.store.LoadPeriods(a.ctx, a.market)
	if err != nil {
		a.logger.Warn("load periods for snapshot", slog.String("error", err.Error()))
	}
	v := view.Project(a.rec, c.Role(), c.Identity(), periods, view.Options{Full: true})
	a.push(c, &protocol.Push{Type: protocol.PushGameState, Game: v})
}

// Detach unregisters a connection after its read loop exits. When the last
// connection leaves a non-active game, the deferred cleanup arms.
func (a *Actor) Detach(c Conn) {
	_ = a.do(context.Background(), func() {
		if !a.registry.has(c) {
			return
		}
		a.registry.remove(c)
		a.notifyPresence()
		a.maybeScheduleCleanup()
	})
}

// Connections reports the live connection count for diagnostics.
func (a *Actor) Connections(ctx context.Context) (int, error) {
	var n int
	err := a.do(ctx, func() { n = a.registry.count() })
	return n, err
}
