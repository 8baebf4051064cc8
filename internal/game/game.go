// Package game implements the lifecycle state machine for one market's game
// record. Functions here validate a command against the current state and
// apply it in place; they perform no I/O and touch no state other than the
// record they are handed. A command invalid for the current state or actor
// returns a domain.RuleError and leaves the record untouched.
package game

import (
	"math"
	"strings"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

const (
	// maxIdentityLen bounds the player identity accepted at join.
	maxIdentityLen = 32

	// rewardClamp bounds the magnitude of a single reward or penalty.
	rewardClamp = 500.0
)

// Create initializes (or re-initializes) a game with the given options. Any
// non-running game may be overwritten; a running game must be reset first.
func Create(g *domain.GameRecord, opts domain.Options) error {
	if g.State == domain.StateRunning {
		return domain.Rulef("cannot create while a game is running")
	}
	normalizeOptions(&opts)
	if err := validateOptions(opts); err != nil {
		return err
	}
	g.Options = opts
	g.State = domain.StateForming
	g.Players = make(map[string]*domain.Player)
	g.Generators = make(map[string]*domain.Generator)
	g.CurrentPeriod = 0
	g.AutoAdvance = true
	g.NextDeadline = time.Time{}
	g.LastAdvance = time.Time{}
	refreshPhase(g)
	return nil
}

// UpdateOptions applies a partial options update. Options are immutable once
// the game is running. A change to the player cap re-evaluates forming/full.
func UpdateOptions(g *domain.GameRecord, patch domain.OptionsPatch) error {
	switch g.State {
	case domain.StateForming, domain.StateFull:
	default:
		return domain.Rulef("options are immutable in state %q", g.State)
	}
	opts := g.Options
	if patch.MaxPlayers != nil {
		opts.MaxPlayers = *patch.MaxPlayers
	}
	if patch.Periods != nil {
		opts.Periods = *patch.Periods
	}
	if patch.PeriodSeconds != nil {
		opts.PeriodSeconds = *patch.PeriodSeconds
	}
	if patch.Settlement != nil {
		opts.Settlement = *patch.Settlement
	}
	if patch.OfferCeiling != nil {
		opts.OfferCeiling = *patch.OfferCeiling
	}
	if patch.StartingBalance != nil {
		opts.StartingBalance = *patch.StartingBalance
	}
	if patch.GeneratorPreset != nil {
		opts.GeneratorPreset = *patch.GeneratorPreset
	}
	if patch.DemandProfile != nil {
		opts.DemandProfile = *patch.DemandProfile
	}
	if patch.ScarcityPrice != nil {
		opts.ScarcityPrice = *patch.ScarcityPrice
	}
	if patch.DemandJitterPct != nil {
		opts.DemandJitterPct = *patch.DemandJitterPct
	}
	if opts.MaxPlayers < len(g.Players) {
		return domain.Rulef("player cap %d below current player count %d",
			opts.MaxPlayers, len(g.Players))
	}
	if err := validateOptions(opts); err != nil {
		return err
	}
	g.Options = opts
	refreshPhase(g)
	return nil
}

// CanJoin runs the admission rules for a new player without mutating the
// record. The admission errors are sentinels rather than RuleErrors because
// the server rejects a join before the WebSocket upgrade, where a structured
// status code is still available.
func CanJoin(g *domain.GameRecord, identity string) error {
	if identity == "" || identity != strings.TrimSpace(identity) || len(identity) > maxIdentityLen {
		return domain.ErrBadIdentity
	}
	switch g.State {
	case domain.StateForming:
	case domain.StateFull:
		return domain.ErrGameFull
	default:
		return domain.ErrNotJoinable
	}
	if _, ok := g.Players[identity]; ok {
		return domain.ErrNameCollision
	}
	return nil
}

// Join admits a new player after CanJoin's rules pass.
func Join(g *domain.GameRecord, identity, tokenHash string) error {
	if err := CanJoin(g, identity); err != nil {
		return err
	}
	g.Players[identity] = &domain.Player{TokenHash: tokenHash}
	refreshPhase(g)
	return nil
}

// Rejoin reports whether an identity is an existing player, used to admit a
// reconnecting participant without running Join's admission rules again.
func Rejoin(g *domain.GameRecord, identity string) bool {
	_, ok := g.Players[identity]
	return ok
}

// Kick removes a player before the game starts.
func Kick(g *domain.GameRecord, identity string) error {
	switch g.State {
	case domain.StateForming, domain.StateFull:
	default:
		return domain.Rulef("cannot kick in state %q", g.State)
	}
	if _, ok := g.Players[identity]; !ok {
		return domain.Rulef("no such player %q", identity)
	}
	delete(g.Players, identity)
	refreshPhase(g)
	return nil
}

// Start transitions a forming or full game to running. Every player receives
// the full generator preset with ids numbered sequentially across all
// players so individual contributions stay traceable; every offer seeds to
// its generator's true cost and every balance to the starting balance. The
// caller is expected to advance into period 1 immediately after.
func Start(g *domain.GameRecord, now time.Time) error {
	switch g.State {
	case domain.StateForming, domain.StateFull:
	default:
		return domain.Rulef("cannot start in state %q", g.State)
	}
	if len(g.Players) == 0 {
		return domain.Rulef("cannot start with no players")
	}
	preset, ok := domain.GeneratorPresets[g.Options.GeneratorPreset]
	if !ok {
		preset = domain.GeneratorPresets[domain.DefaultGeneratorPreset]
	}

	// Deterministic assignment order keeps generator ids stable across
	// identical starts.
	identities := sortedIdentities(g)
	g.Generators = make(map[string]*domain.Generator, len(identities)*len(preset))
	seq := 0
	for _, identity := range identities {
		p := g.Players[identity]
		p.Balance = g.Options.StartingBalance
		p.SubmittedAt = time.Time{}
		for _, spec := range preset {
			seq++
			id := generatorID(seq)
			g.Generators[id] = &domain.Generator{
				ID:         id,
				Owner:      identity,
				CapacityMW: spec.CapacityMW,
				TrueCost:   spec.TrueCost,
				Offer:      spec.TrueCost,
			}
		}
	}
	g.State = domain.StateRunning
	g.CurrentPeriod = 0
	g.LastAdvance = now
	return nil
}

// CanAdvance reports whether the game accepts an advance-period command.
func CanAdvance(g *domain.GameRecord) error {
	if g.State != domain.StateRunning {
		return domain.Rulef("cannot advance in state %q", g.State)
	}
	return nil
}

// ApplySettlement folds a cleared period's balance deltas into the live
// player map. The period record itself is immutable and is persisted by the
// caller.
func ApplySettlement(g *domain.GameRecord, rec *domain.PeriodRecord) {
	for identity, res := range rec.Results {
		if p, ok := g.Players[identity]; ok {
			p.Balance = res.Balance
		}
	}
}

// AdvancePeriod moves the period counter forward after any clearing has been
// applied. It returns true when the game has completed. While the game stays
// running it stamps LastAdvance (the reference point for detecting stale
// offer submissions) and, if auto-advance is on, arms the next deadline.
func AdvancePeriod(g *domain.GameRecord, now time.Time) (completed bool) {
	g.CurrentPeriod++
	if g.CurrentPeriod > g.Options.Periods {
		g.State = domain.StateCompleted
		g.NextDeadline = time.Time{}
		return true
	}
	g.LastAdvance = now
	if g.AutoAdvance {
		g.NextDeadline = now.Add(time.Duration(g.Options.PeriodSeconds) * time.Second)
	} else {
		g.NextDeadline = time.Time{}
	}
	return false
}

// SubmitOffers applies a player's offer map. Each value is clamped to
// [0, offerCeiling]; a non-finite value is rejected and the previous offer
// retained. Offering against a generator the player does not own rejects the
// whole command before anything is applied.
func SubmitOffers(g *domain.GameRecord, identity string, offers map[string]float64, now time.Time) error {
	if g.State != domain.StateRunning {
		return domain.Rulef("cannot submit offers in state %q", g.State)
	}
	p, ok := g.Players[identity]
	if !ok {
		return domain.Rulef("unknown player %q", identity)
	}
	for id := range offers {
		gen, ok := g.Generators[id]
		if !ok || gen.Owner != identity {
			return domain.Rulef("generator %q is not yours", id)
		}
	}
	for id, price := range offers {
		if math.IsNaN(price) || math.IsInf(price, 0) {
			continue // keep the previous offer
		}
		if price < 0 {
			price = 0
		}
		if price > g.Options.OfferCeiling {
			price = g.Options.OfferCeiling
		}
		g.Generators[id].Offer = price
	}
	p.SubmittedAt = now
	return nil
}

// SubmissionCurrent reports whether a player's submission belongs to the
// current period, i.e. was stamped after the last advance.
func SubmissionCurrent(g *domain.GameRecord, p *domain.Player) bool {
	return p.SubmittedAt.After(g.LastAdvance)
}

// SetAutoAdvance toggles the period timer. Enabling it mid-period arms a
// fresh deadline from now.
func SetAutoAdvance(g *domain.GameRecord, on bool, now time.Time) error {
	if g.State != domain.StateRunning {
		return domain.Rulef("cannot toggle auto-advance in state %q", g.State)
	}
	g.AutoAdvance = on
	if on {
		g.NextDeadline = now.Add(time.Duration(g.Options.PeriodSeconds) * time.Second)
	} else {
		g.NextDeadline = time.Time{}
	}
	return nil
}

// Reward adjusts a player's balance by a signed amount, clamped to a fixed
// magnitude. Accepted while running or completed.
func Reward(g *domain.GameRecord, identity string, amount float64) error {
	switch g.State {
	case domain.StateRunning, domain.StateCompleted:
	default:
		return domain.Rulef("cannot adjust balances in state %q", g.State)
	}
	p, ok := g.Players[identity]
	if !ok {
		return domain.Rulef("no such player %q", identity)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return domain.Rulef("amount must be finite")
	}
	if amount > rewardClamp {
		amount = rewardClamp
	}
	if amount < -rewardClamp {
		amount = -rewardClamp
	}
	p.Balance += amount
	return nil
}

// Reset returns any non-running game to uninitialized, clearing players and
// generators. The caller deletes the cleared-period records.
func Reset(g *domain.GameRecord) error {
	if g.State == domain.StateRunning {
		return domain.Rulef("cannot reset while running")
	}
	g.State = domain.StateUninitialized
	g.Players = make(map[string]*domain.Player)
	g.Generators = make(map[string]*domain.Generator)
	g.CurrentPeriod = 0
	g.AutoAdvance = false
	g.NextDeadline = time.Time{}
	g.LastAdvance = time.Time{}
	return nil
}

// refreshPhase toggles forming ⇄ full as the player count crosses the cap.
func refreshPhase(g *domain.GameRecord) {
	switch g.State {
	case domain.StateForming, domain.StateFull:
		if len(g.Players) >= g.Options.MaxPlayers {
			g.State = domain.StateFull
		} else {
			g.State = domain.StateForming
		}
	}
}

func normalizeOptions(opts *domain.Options) {
	if opts.MaxPlayers == 0 {
		opts.MaxPlayers = 8
	}
	if opts.Periods == 0 {
		opts.Periods = 24
	}
	if opts.PeriodSeconds == 0 {
		opts.PeriodSeconds = 180
	}
	if opts.Settlement == "" {
		opts.Settlement = domain.SettlementUniform
	}
	if opts.OfferCeiling == 0 {
		opts.OfferCeiling = 1000
	}
	if opts.GeneratorPreset == "" {
		opts.GeneratorPreset = domain.DefaultGeneratorPreset
	}
	if opts.DemandProfile == "" {
		opts.DemandProfile = domain.DefaultDemandProfile
	}
}

func validateOptions(opts domain.Options) error {
	if opts.MaxPlayers < 1 {
		return domain.Rulef("player cap must be at least 1")
	}
	if opts.Periods < 1 {
		return domain.Rulef("period count must be at least 1")
	}
	if opts.PeriodSeconds < 5 {
		return domain.Rulef("period timer must be at least 5 seconds")
	}
	switch opts.Settlement {
	case domain.SettlementUniform, domain.SettlementPayAsOffered:
	default:
		return domain.Rulef("unknown settlement method %q", opts.Settlement)
	}
	if opts.OfferCeiling <= 0 || math.IsNaN(opts.OfferCeiling) || math.IsInf(opts.OfferCeiling, 0) {
		return domain.Rulef("offer ceiling must be a positive number")
	}
	if _, ok := domain.GeneratorPresets[opts.GeneratorPreset]; !ok {
		return domain.Rulef("unknown generator preset %q", opts.GeneratorPreset)
	}
	if _, ok := domain.DemandProfiles[opts.DemandProfile]; !ok {
		return domain.Rulef("unknown demand profile %q", opts.DemandProfile)
	}
	if opts.ScarcityPrice < 0 {
		return domain.Rulef("scarcity price cannot be negative")
	}
	if opts.DemandJitterPct < 0 || opts.DemandJitterPct > 100 {
		return domain.Rulef("demand jitter must be between 0 and 100 percent")
	}
	return nil
}
