package game

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

func newForming(t *testing.T, maxPlayers int) *domain.GameRecord {
	t.Helper()
	g := domain.NewGameRecord()
	if err := Create(g, domain.Options{MaxPlayers: maxPlayers, StartingBalance: 1000}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return g
}

func startRunning(t *testing.T, identities ...string) *domain.GameRecord {
	t.Helper()
	g := newForming(t, len(identities))
	for _, id := range identities {
		if err := Join(g, id, "hash-"+id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if err := Start(g, time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return g
}

func TestCreateAppliesDefaults(t *testing.T) {
	g := domain.NewGameRecord()
	if err := Create(g, domain.Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	o := g.Options
	if o.MaxPlayers != 8 || o.Periods != 24 || o.PeriodSeconds != 180 {
		t.Errorf("defaults not applied: %+v", o)
	}
	if o.Settlement != domain.SettlementUniform {
		t.Errorf("settlement %q, want uniform", o.Settlement)
	}
	if o.OfferCeiling != 1000 {
		t.Errorf("offer ceiling %v, want 1000", o.OfferCeiling)
	}
	if g.State != domain.StateForming {
		t.Errorf("state %q, want forming", g.State)
	}
}

func TestCreateRejectedWhileRunning(t *testing.T) {
	g := startRunning(t, "alice")
	err := Create(g, domain.Options{})
	if !domain.IsRule(err) {
		t.Fatalf("create while running: got %v, want rule error", err)
	}
}

func TestJoinPhaseTransitions(t *testing.T) {
	g := newForming(t, 2)

	if err := Join(g, "alice", "h1"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if g.State != domain.StateForming {
		t.Errorf("state %q after 1/2 joins, want forming", g.State)
	}
	if err := Join(g, "bob", "h2"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	if g.State != domain.StateFull {
		t.Errorf("state %q after 2/2 joins, want full", g.State)
	}
	if err := Join(g, "carol", "h3"); !errors.Is(err, domain.ErrGameFull) {
		t.Errorf("join when full: got %v, want ErrGameFull", err)
	}

	// Kicking reopens the game.
	if err := Kick(g, "bob"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if g.State != domain.StateForming {
		t.Errorf("state %q after kick, want forming", g.State)
	}
}

func TestJoinValidation(t *testing.T) {
	g := newForming(t, 4)
	cases := []struct {
		identity string
		want     error
	}{
		{"", domain.ErrBadIdentity},
		{" padded ", domain.ErrBadIdentity},
		{"this-identity-is-much-longer-than-thirty-two-characters", domain.ErrBadIdentity},
	}
	for _, tc := range cases {
		if err := Join(g, tc.identity, "h"); !errors.Is(err, tc.want) {
			t.Errorf("join %q: got %v, want %v", tc.identity, err, tc.want)
		}
	}

	if err := Join(g, "alice", "h"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := Join(g, "alice", "h"); !errors.Is(err, domain.ErrNameCollision) {
		t.Errorf("duplicate join: got %v, want ErrNameCollision", err)
	}

	// Uninitialized games are not joinable.
	fresh := domain.NewGameRecord()
	if err := Join(fresh, "bob", "h"); !errors.Is(err, domain.ErrNotJoinable) {
		t.Errorf("join uninitialized: got %v, want ErrNotJoinable", err)
	}
}

func TestStartDistributesGenerators(t *testing.T) {
	g := startRunning(t, "bob", "alice")

	preset := domain.GeneratorPresets[domain.DefaultGeneratorPreset]
	if len(g.Generators) != 2*len(preset) {
		t.Fatalf("generator count %d, want %d", len(g.Generators), 2*len(preset))
	}
	// Assignment order is sorted by identity, so alice owns the first block.
	if gen, ok := g.Generators["gen-001"]; !ok || gen.Owner != "alice" {
		t.Errorf("gen-001 owner: %+v, want alice", gen)
	}
	for id, gen := range g.Generators {
		if gen.Offer != gen.TrueCost {
			t.Errorf("%s offer %v, want seeded to true cost %v", id, gen.Offer, gen.TrueCost)
		}
	}
	for identity, p := range g.Players {
		if p.Balance != 1000 {
			t.Errorf("%s balance %v, want starting balance 1000", identity, p.Balance)
		}
	}
	if g.State != domain.StateRunning || g.CurrentPeriod != 0 {
		t.Errorf("state=%q period=%d, want running/0", g.State, g.CurrentPeriod)
	}
}

func TestStartRequiresPlayers(t *testing.T) {
	g := newForming(t, 4)
	if err := Start(g, time.Now()); !domain.IsRule(err) {
		t.Errorf("start with no players: got %v, want rule error", err)
	}
}

func TestAdvancePeriodCompletion(t *testing.T) {
	g := newForming(t, 1)
	if err := Join(g, "alice", "h"); err != nil {
		t.Fatal(err)
	}
	g.Options.Periods = 2
	now := time.Now()
	if err := Start(g, now); err != nil {
		t.Fatal(err)
	}

	if done := AdvancePeriod(g, now); done || g.CurrentPeriod != 1 {
		t.Fatalf("advance 1: done=%v period=%d", done, g.CurrentPeriod)
	}
	if g.NextDeadline.IsZero() {
		t.Error("auto-advance on but no deadline armed")
	}
	if done := AdvancePeriod(g, now); done || g.CurrentPeriod != 2 {
		t.Fatalf("advance 2: done=%v period=%d", done, g.CurrentPeriod)
	}
	if done := AdvancePeriod(g, now); !done {
		t.Fatal("advance past final period should complete the game")
	}
	if g.State != domain.StateCompleted {
		t.Errorf("state %q, want completed", g.State)
	}
	if !g.NextDeadline.IsZero() {
		t.Error("completed game still has a deadline armed")
	}
}

func TestSubmitOffersClamping(t *testing.T) {
	g := startRunning(t, "alice")
	g.Options.OfferCeiling = 200
	AdvancePeriod(g, time.Now())

	var mine []string
	for id, gen := range g.Generators {
		if gen.Owner == "alice" {
			mine = append(mine, id)
		}
	}
	prev := g.Generators[mine[0]].Offer

	now := time.Now()
	err := SubmitOffers(g, "alice", map[string]float64{
		mine[0]: math.NaN(),
		mine[1]: -5,
		mine[2]: 99999,
	}, now)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := g.Generators[mine[0]].Offer; got != prev {
		t.Errorf("NaN offer: got %v, want previous %v retained", got, prev)
	}
	if got := g.Generators[mine[1]].Offer; got != 0 {
		t.Errorf("negative offer: got %v, want clamped to 0", got)
	}
	if got := g.Generators[mine[2]].Offer; got != 200 {
		t.Errorf("huge offer: got %v, want clamped to ceiling 200", got)
	}
	if !g.Players["alice"].SubmittedAt.Equal(now) {
		t.Error("submission timestamp not stamped")
	}
}

func TestSubmitOffersOwnershipAtomic(t *testing.T) {
	g := startRunning(t, "alice", "bob")
	AdvancePeriod(g, time.Now())

	var aliceGen, bobGen string
	for id, gen := range g.Generators {
		switch gen.Owner {
		case "alice":
			aliceGen = id
		case "bob":
			bobGen = id
		}
	}
	before := g.Generators[aliceGen].Offer

	err := SubmitOffers(g, "alice", map[string]float64{
		aliceGen: 77,
		bobGen:   77,
	}, time.Now())
	if !domain.IsRule(err) {
		t.Fatalf("cross-owner submit: got %v, want rule error", err)
	}
	if g.Generators[aliceGen].Offer != before {
		t.Error("rejected command still mutated an offer")
	}
}

func TestSubmissionCurrency(t *testing.T) {
	g := startRunning(t, "alice")
	t0 := time.Now()
	AdvancePeriod(g, t0)

	p := g.Players["alice"]
	if SubmissionCurrent(g, p) {
		t.Error("fresh period should have no current submission")
	}
	if err := SubmitOffers(g, "alice", nil, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if !SubmissionCurrent(g, p) {
		t.Error("submission after advance should be current")
	}
	AdvancePeriod(g, t0.Add(2*time.Second))
	if SubmissionCurrent(g, p) {
		t.Error("submission should go stale after the next advance")
	}
}

func TestRewardClamp(t *testing.T) {
	g := startRunning(t, "alice")
	base := g.Players["alice"].Balance

	if err := Reward(g, "alice", 10000); err != nil {
		t.Fatal(err)
	}
	if got := g.Players["alice"].Balance; got != base+500 {
		t.Errorf("balance %v, want clamped +500 = %v", got, base+500)
	}
	if err := Reward(g, "alice", -10000); err != nil {
		t.Fatal(err)
	}
	if got := g.Players["alice"].Balance; got != base {
		t.Errorf("balance %v, want clamped back to %v", got, base)
	}
	if err := Reward(g, "alice", math.Inf(1)); !domain.IsRule(err) {
		t.Errorf("infinite reward: got %v, want rule error", err)
	}
	if err := Reward(g, "ghost", 5); !domain.IsRule(err) {
		t.Errorf("unknown player: got %v, want rule error", err)
	}
}

func TestResetRules(t *testing.T) {
	g := startRunning(t, "alice")
	if err := Reset(g); !domain.IsRule(err) {
		t.Fatalf("reset while running: got %v, want rule error", err)
	}

	// Complete the game, then reset.
	g.State = domain.StateCompleted
	if err := Reset(g); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if g.State != domain.StateUninitialized {
		t.Errorf("state %q, want uninitialized", g.State)
	}
	if len(g.Players) != 0 || len(g.Generators) != 0 {
		t.Error("reset left players or generators behind")
	}
}

func TestUpdateOptionsImmutableWhileRunning(t *testing.T) {
	g := startRunning(t, "alice")
	two := 2
	if err := UpdateOptions(g, domain.OptionsPatch{MaxPlayers: &two}); !domain.IsRule(err) {
		t.Errorf("update while running: got %v, want rule error", err)
	}
}

func TestUpdateOptionsCapBelowCount(t *testing.T) {
	g := newForming(t, 4)
	for _, id := range []string{"a", "b", "c"} {
		if err := Join(g, id, "h"); err != nil {
			t.Fatal(err)
		}
	}
	one := 1
	if err := UpdateOptions(g, domain.OptionsPatch{MaxPlayers: &one}); !domain.IsRule(err) {
		t.Errorf("cap below count: got %v, want rule error", err)
	}

	// Lowering the cap to the current count flips the phase to full.
	three := 3
	if err := UpdateOptions(g, domain.OptionsPatch{MaxPlayers: &three}); err != nil {
		t.Fatal(err)
	}
	if g.State != domain.StateFull {
		t.Errorf("state %q, want full", g.State)
	}
}

func TestApplySettlement(t *testing.T) {
	g := startRunning(t, "alice", "bob")
	rec := &domain.PeriodRecord{
		Period: 1,
		Results: map[string]domain.PlayerResult{
			"alice": {Profit: 120, Balance: 1120},
			"ghost": {Profit: 50, Balance: 50},
		},
	}
	ApplySettlement(g, rec)
	if got := g.Players["alice"].Balance; got != 1120 {
		t.Errorf("alice balance %v, want 1120", got)
	}
	if got := g.Players["bob"].Balance; got != 1000 {
		t.Errorf("bob balance %v, want untouched 1000", got)
	}
}
