package actor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/game"
	"github.com/watthour/gridmarket/internal/protocol"
)

// HandleFrame processes one inbound frame from an established connection.
// It may be called from any goroutine; the work happens on the mailbox. A
// frame that does not decode is dropped silently at this boundary.
func (a *Actor) HandleFrame(c Conn, raw []byte) {
	cmd, err := protocol.DecodeCommand(raw)
	if err != nil {
		a.logger.Debug("dropping malformed frame", slog.String("error", err.Error()))
		return
	}
	_ = a.do(a.ctx, func() {
		if !a.registry.has(c) {
			return
		}
		a.dispatch(c, cmd)
	})
}

// dispatch applies one command under the actor's no-escape rule: an
// unexpected panic is caught, logged, and reported to the sender as a
// generic server error rather than terminating the actor.
func (a *Actor) dispatch(c Conn, cmd *protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in command handler",
				slog.String("command", cmd.Type),
				slog.Any("panic", r),
			)
			a.pushError(c, "internal server error")
		}
	}()

	if err := a.apply(c, cmd); err != nil {
		switch {
		case domain.IsRule(err):
			a.pushError(c, err.Error())
		case errors.Is(err, errWrongRole):
			a.pushError(c, err.Error())
		case errors.Is(err, errUnknownCommand):
			// Unknown tags are a no-op, never a crash.
		default:
			a.logger.Error("command failed",
				slog.String("command", cmd.Type),
				slog.String("error", err.Error()),
			)
			a.pushError(c, "internal server error")
		}
	}
}

var (
	errWrongRole      = errors.New("command not permitted for your role")
	errUnknownCommand = errors.New("unknown command")
)

func (a *Actor) apply(c Conn, cmd *protocol.Command) error {
	adminOnly := func() error {
		if c.Role() != domain.RoleAdmin {
			return errWrongRole
		}
		return nil
	}

	switch cmd.Type {
	case protocol.CmdCreateGame:
		if err := adminOnly(); err != nil {
			return err
		}
		var opts domain.Options
		if cmd.Options != nil {
			opts = *cmd.Options
		}
		if err := game.Create(a.rec, opts); err != nil {
			return err
		}
		a.lastPeriod = nil
		return a.mutated()

	case protocol.CmdUpdateOptions:
		if err := adminOnly(); err != nil {
			return err
		}
		if cmd.Patch == nil {
			return domain.Rulef("update-options requires a patch")
		}
		if err := game.UpdateOptions(a.rec, *cmd.Patch); err != nil {
			return err
		}
		return a.mutated()

	case protocol.CmdStartGame:
		if err := adminOnly(); err != nil {
			return err
		}
		if err := game.Start(a.rec, a.now()); err != nil {
			return err
		}
		// Open period 1. No clearing happens on this first advance.
		a.advance()
		return a.mutated()

	case protocol.CmdAdvancePeriod:
		if err := adminOnly(); err != nil {
			return err
		}
		if err := game.CanAdvance(a.rec); err != nil {
			return err
		}
		a.advance()
		return a.mutated()

	case protocol.CmdSetAutoAdvance:
		if err := adminOnly(); err != nil {
			return err
		}
		if cmd.Enabled == nil {
			return domain.Rulef("set-auto-advance requires enabled")
		}
		if err := game.SetAutoAdvance(a.rec, *cmd.Enabled, a.now()); err != nil {
			return err
		}
		if a.rec.AutoAdvance {
			a.armAdvance(a.rec.NextDeadline)
		} else {
			a.stopTimer()
		}
		return a.mutated()

	case protocol.CmdSetVisibility:
		if err := adminOnly(); err != nil {
			return err
		}
		if err := a.setVisibility(cmd.Visibility); err != nil {
			return err
		}
		return a.mutated()

	case protocol.CmdSubmitOffers:
		if c.Role() != domain.RolePlayer {
			return errWrongRole
		}
		if err := game.SubmitOffers(a.rec, c.Identity(), cmd.Offers, a.now()); err != nil {
			return err
		}
		return a.mutated()

	case protocol.CmdResetGame:
		if err := adminOnly(); err != nil {
			return err
		}
		return a.resetGame()

	case protocol.CmdKickPlayer:
		if err := adminOnly(); err != nil {
			return err
		}
		return a.kickPlayer(cmd.Identity)

	case protocol.CmdRewardPlayer:
		if err := adminOnly(); err != nil {
			return err
		}
		if err := game.Reward(a.rec, cmd.Identity, cmd.Amount); err != nil {
			return err
		}
		return a.mutated()

	default:
		return errUnknownCommand
	}
}

func (a *Actor) setVisibility(v domain.Visibility) error {
	switch v {
	case domain.VisibilityPublic, domain.VisibilityUnlisted:
	default:
		return domain.Rulef("unknown visibility %q", v)
	}
	a.rec.Visibility = v
	return nil
}

// resetGame returns the game to uninitialized, drops all cleared periods,
// and closes player connections with the game-reset code. Cleanup fires
// armed before the reset become stale via the generation counter.
func (a *Actor) resetGame() error {
	if err := game.Reset(a.rec); err != nil {
		return err
	}
	a.resetGen++
	a.lastPeriod = nil
	a.stopTimer()
	if err := a.store.ClearCleanupAt(a.ctx, a.market); err != nil {
		a.logger.Warn("clear cleanup marker", slog.String("error", err.Error()))
	}
	a.cleanupAt = time.Time{}
	if err := a.store.DeletePeriods(a.ctx, a.market); err != nil {
		a.logger.Error("delete periods", slog.String("error", err.Error()))
	}

	for _, c := range a.registry.all() {
		if c.Role() == domain.RolePlayer {
			a.registry.remove(c)
			c.CloseWith(protocol.CloseGameReset, protocol.TerminalCloseText[protocol.CloseGameReset])
		}
	}
	err := a.mutated()
	a.notifyPresence()
	a.maybeScheduleCleanup()
	return err
}

// kickPlayer removes a player, bans the identity, and closes any live
// connection it holds with the banned code.
func (a *Actor) kickPlayer(identity string) error {
	if err := game.Kick(a.rec, identity); err != nil {
		return err
	}
	a.bans[identity] = struct{}{}
	ids := make([]string, 0, len(a.bans))
	for id := range a.bans {
		ids = append(ids, id)
	}
	if err := a.store.SaveBans(a.ctx, a.market, ids); err != nil {
		a.logger.Error("save bans", slog.String("error", err.Error()))
	}

	if c := a.registry.byPlayerIdentity(identity); c != nil {
		a.registry.remove(c)
		c.CloseWith(protocol.CloseBanned, protocol.TerminalCloseText[protocol.CloseBanned])
	}
	err := a.mutated()
	a.notifyPresence()
	return err
}
