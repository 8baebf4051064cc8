// Package clearing implements the merit-order double-auction clearing and
// settlement math. Everything here is a pure function of its inputs: no
// state, no I/O. The caller owns randomness (an injected *rand.Rand) so the
// shuffle is seedable in tests.
package clearing

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

// Demand returns the authoritative demand for a period: per-player base load
// scaled by the profile multiplier, with symmetric jitter applied, floored,
// and never below 1 MW.
func Demand(playerCount, period int, profile string, jitterPct float64, rng *rand.Rand) float64 {
	d := baseDemand(playerCount, period, profile)
	if jitterPct > 0 {
		// U(-1,1) scaled to the configured percentage.
		u := rng.Float64()*2 - 1
		d *= 1 + u*jitterPct/100
	}
	d = math.Floor(d)
	if d < 1 {
		d = 1
	}
	return d
}

// PreviewDemand is the jitter-free variant of Demand, used only for
// forward-looking previews shown to players.
func PreviewDemand(playerCount, period int, profile string) float64 {
	d := math.Floor(baseDemand(playerCount, period, profile))
	if d < 1 {
		d = 1
	}
	return d
}

func baseDemand(playerCount, period int, profile string) float64 {
	curve, ok := domain.DemandProfiles[profile]
	if !ok {
		curve = domain.DemandProfiles[domain.DefaultDemandProfile]
	}
	slot := ((period - 1) % 24 + 24) % 24
	return float64(playerCount) * domain.BaseDemandPerPlayer * curve[slot]
}

// Clear runs one period's auction. Generators are shuffled and then
// stable-sorted by ascending offer; the shuffle is the fairness mechanism
// that breaks ties between equal offers impartially, so it must happen
// before the sort. Dispatch is greedy in merit order and the last generator
// with positive dispatch sets the marginal price. When demand exceeds total
// capacity every generator runs flat out and the marginal price is the
// highest offer in the set, unless a positive scarcity price overrides it.
//
// balances are the players' balances going into the period; the returned
// record carries each player's resulting balance, but applying the deltas to
// the live record is the caller's job.
func Clear(period int, gens []*domain.Generator, balances map[string]float64,
	demand float64, settlement domain.Settlement, scarcityPrice float64,
	rng *rand.Rand, now time.Time) *domain.PeriodRecord {

	order := make([]*domain.Generator, len(gens))
	copy(order, gens)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Offer < order[j].Offer
	})

	rec := &domain.PeriodRecord{
		Period:    period,
		DemandMW:  demand,
		Dispatch:  make([]domain.Dispatch, 0, len(order)),
		Results:   make(map[string]domain.PlayerResult),
		ClearedAt: now,
	}

	remaining := demand
	marginal := 0.0
	highest := 0.0
	for _, g := range order {
		if g.Offer > highest {
			highest = g.Offer
		}
		served := math.Min(g.CapacityMW, remaining)
		if served < 0 {
			served = 0
		}
		if served > 0 {
			marginal = g.Offer
		}
		remaining -= served
		rec.Dispatch = append(rec.Dispatch, domain.Dispatch{
			GeneratorID:  g.ID,
			Owner:        g.Owner,
			Offer:        g.Offer,
			DispatchedMW: served,
		})
	}

	if remaining > 0 {
		// Shortfall: everything is dispatched, price goes to the top of the
		// stack or the configured scarcity price.
		marginal = highest
		if scarcityPrice > 0 {
			marginal = scarcityPrice
		}
	}
	rec.MarginalPrice = marginal

	byID := make(map[string]*domain.Generator, len(order))
	for _, g := range order {
		byID[g.ID] = g
	}
	for _, d := range rec.Dispatch {
		g := byID[d.GeneratorID]
		price := marginal
		if settlement == domain.SettlementPayAsOffered {
			price = d.Offer
		}
		revenue := price * d.DispatchedMW
		cost := g.TrueCost * d.DispatchedMW
		res := rec.Results[d.Owner]
		res.Revenue += revenue
		res.Cost += cost
		res.Profit += revenue - cost
		rec.Results[d.Owner] = res
	}
	for owner, res := range rec.Results {
		res.Balance = balances[owner] + res.Profit
		rec.Results[owner] = res
	}
	return rec
}
