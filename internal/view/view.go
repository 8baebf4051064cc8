// Package view derives role-scoped projections of a game record for pushing
// to clients. Projection is a pure function of the record, the recipient,
// and the set of cleared periods to include; deriving the same projection
// twice yields identical output.
package view

import (
	"sort"
	"time"

	"github.com/watthour/gridmarket/internal/clearing"
	"github.com/watthour/gridmarket/internal/domain"
)

// PlayerView is one participant's row in a projection. For a standard
// participant every row but their own has balance and submission timestamp
// zeroed.
type PlayerView struct {
	Balance     float64   `json:"balance"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PeriodView is one cleared period as seen by the recipient. Standard
// participants see only their own settlement row plus the period's demand
// and marginal price; the privileged broadcast copy carries every result but
// drops per-generator dispatch detail to keep push payloads small.
type PeriodView struct {
	Period        int                            `json:"period"`
	DemandMW      float64                        `json:"demand_mw"`
	MarginalPrice float64                        `json:"marginal_price"`
	Results       map[string]domain.PlayerResult `json:"results"`
	Dispatch      []domain.Dispatch              `json:"dispatch,omitempty"`
}

// GameView is the projection pushed over a connection. Full distinguishes a
// full-history snapshot (sent once on connect) from an incremental update
// (sent after every mutation); the client merge strategy keys off it.
type GameView struct {
	Full          bool                  `json:"full"`
	State         domain.State          `json:"state"`
	Visibility    domain.Visibility     `json:"visibility"`
	Options       domain.Options        `json:"options"`
	CurrentPeriod int                   `json:"current_period"`
	AutoAdvance   bool                  `json:"auto_advance"`
	NextDeadline  time.Time             `json:"next_deadline"`
	LastAdvance   time.Time             `json:"last_advance"`
	Players       map[string]PlayerView `json:"players"`
	Generators    []domain.Generator    `json:"generators"`
	Periods       []PeriodView          `json:"periods"`

	// NextDemandMW is the jitter-free demand estimate for the open period,
	// shown to bidders before the authoritative draw happens at clearing.
	// Zero outside a running game.
	NextDemandMW float64 `json:"next_demand_mw,omitempty"`

	// Rank is the recipient's 1-based leaderboard position by balance.
	// Omitted for the privileged role.
	Rank int `json:"rank,omitempty"`
}

// Options selects what a projection includes beyond the role defaults.
type Options struct {
	// Full marks the projection as a full-history snapshot.
	Full bool

	// IncludeDispatch keeps per-generator dispatch detail in privileged
	// period views. Broadcast copies leave it off; the bulk-export read path
	// turns it on.
	IncludeDispatch bool
}

// Project derives the view of rec for the given recipient. periods are the
// cleared periods to include, in ascending order.
func Project(rec *domain.GameRecord, role domain.Role, identity string,
	periods []*domain.PeriodRecord, opts Options) *GameView {

	v := &GameView{
		Full:          opts.Full,
		State:         rec.State,
		Visibility:    rec.Visibility,
		Options:       rec.Options,
		CurrentPeriod: rec.CurrentPeriod,
		AutoAdvance:   rec.AutoAdvance,
		NextDeadline:  rec.NextDeadline,
		LastAdvance:   rec.LastAdvance,
		Players:       make(map[string]PlayerView, len(rec.Players)),
	}
	if rec.State == domain.StateRunning && rec.CurrentPeriod >= 1 {
		v.NextDemandMW = clearing.PreviewDemand(
			len(rec.Players), rec.CurrentPeriod, rec.Options.DemandProfile)
	}

	if role == domain.RoleAdmin {
		for id, p := range rec.Players {
			// Verification secrets never leave the server.
			v.Players[id] = PlayerView{Balance: p.Balance, SubmittedAt: p.SubmittedAt}
		}
		v.Generators = allGenerators(rec)
		for _, p := range periods {
			pv := PeriodView{
				Period:        p.Period,
				DemandMW:      p.DemandMW,
				MarginalPrice: p.MarginalPrice,
				Results:       p.Results,
			}
			if opts.IncludeDispatch {
				pv.Dispatch = p.Dispatch
			}
			v.Periods = append(v.Periods, pv)
		}
		return v
	}

	for id, p := range rec.Players {
		if id == identity {
			v.Players[id] = PlayerView{Balance: p.Balance, SubmittedAt: p.SubmittedAt}
		} else {
			v.Players[id] = PlayerView{}
		}
	}
	for _, g := range rec.GeneratorsOwnedBy(identity) {
		v.Generators = append(v.Generators, *g)
	}
	sort.Slice(v.Generators, func(i, j int) bool {
		return v.Generators[i].ID < v.Generators[j].ID
	})
	for _, p := range periods {
		pv := PeriodView{
			Period:        p.Period,
			DemandMW:      p.DemandMW,
			MarginalPrice: p.MarginalPrice,
			Results:       make(map[string]domain.PlayerResult, 1),
		}
		if res, ok := p.Results[identity]; ok {
			pv.Results[identity] = res
		}
		v.Periods = append(v.Periods, pv)
	}
	v.Rank = rank(rec, identity)
	return v
}

// rank returns the 1-based position of identity ordered by descending
// balance. Ties break by identity order so the result is stable.
func rank(rec *domain.GameRecord, identity string) int {
	if _, ok := rec.Players[identity]; !ok {
		return 0
	}
	ids := make([]string, 0, len(rec.Players))
	for id := range rec.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := rec.Players[ids[i]], rec.Players[ids[j]]
		if a.Balance != b.Balance {
			return a.Balance > b.Balance
		}
		return ids[i] < ids[j]
	})
	for i, id := range ids {
		if id == identity {
			return i + 1
		}
	}
	return 0
}

func allGenerators(rec *domain.GameRecord) []domain.Generator {
	out := make([]domain.Generator, 0, len(rec.Generators))
	for _, g := range rec.Generators {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
