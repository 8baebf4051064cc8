package view

import (
	"reflect"
	"testing"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

func testRecord() *domain.GameRecord {
	g := domain.NewGameRecord()
	g.State = domain.StateRunning
	g.CurrentPeriod = 2
	g.Options = domain.Options{MaxPlayers: 4, Periods: 10}
	g.Players = map[string]*domain.Player{
		"alice": {Balance: 1200, SubmittedAt: time.Unix(100, 0), TokenHash: "secret-a"},
		"bob":   {Balance: 900, SubmittedAt: time.Unix(90, 0), TokenHash: "secret-b"},
	}
	g.Generators = map[string]*domain.Generator{
		"gen-001": {ID: "gen-001", Owner: "alice", CapacityMW: 50, TrueCost: 20, Offer: 25},
		"gen-002": {ID: "gen-002", Owner: "bob", CapacityMW: 50, TrueCost: 20, Offer: 30},
	}
	return g
}

func testPeriods() []*domain.PeriodRecord {
	return []*domain.PeriodRecord{
		{
			Period:        1,
			DemandMW:      80,
			MarginalPrice: 30,
			Dispatch: []domain.Dispatch{
				{GeneratorID: "gen-001", Owner: "alice", Offer: 25, DispatchedMW: 50},
				{GeneratorID: "gen-002", Owner: "bob", Offer: 30, DispatchedMW: 30},
			},
			Results: map[string]domain.PlayerResult{
				"alice": {Revenue: 1500, Cost: 1000, Profit: 500, Balance: 1200},
				"bob":   {Revenue: 900, Cost: 600, Profit: 300, Balance: 900},
			},
		},
	}
}

func TestProjectPlayerScoping(t *testing.T) {
	v := Project(testRecord(), domain.RolePlayer, "alice", testPeriods(), Options{})

	// Own row carries balance and timestamp, everyone else is zeroed.
	if v.Players["alice"].Balance != 1200 {
		t.Errorf("own balance %v, want 1200", v.Players["alice"].Balance)
	}
	if v.Players["bob"] != (PlayerView{}) {
		t.Errorf("bob's row leaked: %+v", v.Players["bob"])
	}

	// Only own generators.
	if len(v.Generators) != 1 || v.Generators[0].ID != "gen-001" {
		t.Errorf("generators %+v, want only gen-001", v.Generators)
	}

	// Only own settlement row, demand and marginal still visible.
	if len(v.Periods) != 1 {
		t.Fatalf("period count %d, want 1", len(v.Periods))
	}
	p := v.Periods[0]
	if p.DemandMW != 80 || p.MarginalPrice != 30 {
		t.Errorf("period header %+v", p)
	}
	if _, ok := p.Results["bob"]; ok {
		t.Error("bob's settlement leaked into alice's view")
	}
	if p.Results["alice"].Profit != 500 {
		t.Errorf("own profit %v, want 500", p.Results["alice"].Profit)
	}
	if p.Dispatch != nil {
		t.Error("dispatch detail leaked into a participant view")
	}

	// alice leads on balance.
	if v.Rank != 1 {
		t.Errorf("rank %d, want 1", v.Rank)
	}
}

func TestProjectAdmin(t *testing.T) {
	v := Project(testRecord(), domain.RoleAdmin, "operator", testPeriods(), Options{})

	if v.Players["alice"].Balance != 1200 || v.Players["bob"].Balance != 900 {
		t.Errorf("admin should see every balance: %+v", v.Players)
	}
	if len(v.Generators) != 2 {
		t.Errorf("admin should see every generator, got %d", len(v.Generators))
	}
	if v.Rank != 0 {
		t.Errorf("admin rank %d, want omitted (0)", v.Rank)
	}
	// Broadcast copies keep payloads small.
	if v.Periods[0].Dispatch != nil {
		t.Error("dispatch included without IncludeDispatch")
	}

	full := Project(testRecord(), domain.RoleAdmin, "operator", testPeriods(),
		Options{IncludeDispatch: true})
	if len(full.Periods[0].Dispatch) != 2 {
		t.Errorf("export path should carry dispatch, got %+v", full.Periods[0].Dispatch)
	}
}

func TestProjectIdempotent(t *testing.T) {
	rec := testRecord()
	periods := testPeriods()
	a := Project(rec, domain.RolePlayer, "bob", periods, Options{Full: true})
	b := Project(rec, domain.RolePlayer, "bob", periods, Options{Full: true})
	if !reflect.DeepEqual(a, b) {
		t.Error("projection is not deterministic for identical input")
	}
	if !a.Full {
		t.Error("Full flag not carried through")
	}
}

func TestRankTieBreak(t *testing.T) {
	rec := testRecord()
	rec.Players["bob"].Balance = 1200 // tie with alice

	if got := Project(rec, domain.RolePlayer, "alice", nil, Options{}).Rank; got != 1 {
		t.Errorf("alice rank %d, want 1 (identity tie-break)", got)
	}
	if got := Project(rec, domain.RolePlayer, "bob", nil, Options{}).Rank; got != 2 {
		t.Errorf("bob rank %d, want 2 (identity tie-break)", got)
	}
}

func TestProjectNeverLeaksTokenHash(t *testing.T) {
	// PlayerView deliberately has no token field; assert the shape stays that
	// way so a refactor cannot reintroduce the leak.
	var pv PlayerView
	tp := reflect.TypeOf(pv)
	for i := 0; i < tp.NumField(); i++ {
		if tp.Field(i).Name == "TokenHash" {
			t.Fatal("PlayerView must not carry TokenHash")
		}
	}
}

func TestProjectDemandPreview(t *testing.T) {
	g := testRecord()

	// Running game: both roles see the jitter-free estimate for the open
	// period (2 players x 100 MW x flat profile).
	for _, role := range []domain.Role{domain.RolePlayer, domain.RoleAdmin} {
		v := Project(g, role, "alice", nil, Options{})
		if v.NextDemandMW != 200 {
			t.Errorf("role %s preview %v, want 200", role, v.NextDemandMW)
		}
	}

	// No open period, no preview.
	g.State = domain.StateForming
	g.CurrentPeriod = 0
	if v := Project(g, domain.RolePlayer, "alice", nil, Options{}); v.NextDemandMW != 0 {
		t.Errorf("forming-game preview %v, want 0", v.NextDemandMW)
	}
}
