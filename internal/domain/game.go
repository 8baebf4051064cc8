// Package domain defines the core types for the gridmarket simulation: the
// authoritative game record, cleared-period results, configuration options,
// and the storage interfaces implemented by the redis and postgres backends.
package domain

import "time"

// State is the lifecycle state of a game. Transitions move strictly forward
// (uninitialized → forming ⇄ full → running → completed) except for an
// explicit reset, which returns any non-running game to uninitialized.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateForming       State = "forming"
	StateFull          State = "full"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
)

// Visibility controls whether a market appears in the public directory.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
)

// Role is the declared role bound to a connection at upgrade time. It is
// immutable for the lifetime of that connection.
type Role string

const (
	RoleAdmin  Role = "admin"
	RolePlayer Role = "player"
)

// Settlement selects the payment rule applied when a period clears.
type Settlement string

const (
	// SettlementUniform pays every dispatched generator the marginal price.
	SettlementUniform Settlement = "uniform"

	// SettlementPayAsOffered pays each dispatched generator its own offer.
	SettlementPayAsOffered Settlement = "pay-as-offered"
)

// Options is the game configuration. It is set at create time, may be
// updated while the game is forming, and is immutable once running.
type Options struct {
	MaxPlayers      int        `json:"max_players"`
	Periods         int        `json:"periods"`
	PeriodSeconds   int        `json:"period_seconds"`
	Settlement      Settlement `json:"settlement"`
	OfferCeiling    float64    `json:"offer_ceiling"`
	StartingBalance float64    `json:"starting_balance"`
	GeneratorPreset string     `json:"generator_preset"`
	DemandProfile   string     `json:"demand_profile"`
	ScarcityPrice   float64    `json:"scarcity_price"`
	DemandJitterPct float64    `json:"demand_jitter_pct"`
}

// OptionsPatch carries a partial options update. Nil fields are left
// untouched.
type OptionsPatch struct {
	MaxPlayers      *int        `json:"max_players,omitempty"`
	Periods         *int        `json:"periods,omitempty"`
	PeriodSeconds   *int        `json:"period_seconds,omitempty"`
	Settlement      *Settlement `json:"settlement,omitempty"`
	OfferCeiling    *float64    `json:"offer_ceiling,omitempty"`
	StartingBalance *float64    `json:"starting_balance,omitempty"`
	GeneratorPreset *string     `json:"generator_preset,omitempty"`
	DemandProfile   *string     `json:"demand_profile,omitempty"`
	ScarcityPrice   *float64    `json:"scarcity_price,omitempty"`
	DemandJitterPct *float64    `json:"demand_jitter_pct,omitempty"`
}

// Player is one participant's mutable state. TokenHash is an internal
// verification field and must never leave the server in a projection.
type Player struct {
	Balance     float64   `json:"balance"`
	SubmittedAt time.Time `json:"submitted_at"`
	TokenHash   string    `json:"token_hash,omitempty"`
}

// Generator is one generating unit. CapacityMW and TrueCost are fixed when
// the preset is distributed at game start; only Offer mutates afterward.
type Generator struct {
	ID         string  `json:"id"`
	Owner      string  `json:"owner"`
	CapacityMW float64 `json:"capacity_mw"`
	TrueCost   float64 `json:"true_cost"`
	Offer      float64 `json:"offer"`
}

// GameRecord is the authoritative state for one market. Cleared periods are
// not held here; each is a separate immutable PeriodRecord keyed by number.
// The market actor exclusively owns the live record, and every mutation
// passes through the game package's transition functions.
type GameRecord struct {
	State         State                 `json:"state"`
	Visibility    Visibility            `json:"visibility"`
	Options       Options               `json:"options"`
	Players       map[string]*Player    `json:"players"`
	Generators    map[string]*Generator `json:"generators"`
	CurrentPeriod int                   `json:"current_period"`
	AutoAdvance   bool                  `json:"auto_advance"`
	NextDeadline  time.Time             `json:"next_deadline"`
	LastAdvance   time.Time             `json:"last_advance"`
}

// NewGameRecord returns an empty uninitialized record with allocated maps.
func NewGameRecord() *GameRecord {
	return &GameRecord{
		State:      StateUninitialized,
		Visibility: VisibilityUnlisted,
		Players:    make(map[string]*Player),
		Generators: make(map[string]*Generator),
	}
}

// GeneratorsOwnedBy returns the generators owned by the given identity.
func (g *GameRecord) GeneratorsOwnedBy(identity string) []*Generator {
	var out []*Generator
	for _, gen := range g.Generators {
		if gen.Owner == identity {
			out = append(out, gen)
		}
	}
	return out
}

// Dispatch is one generator's share of a cleared period.
type Dispatch struct {
	GeneratorID  string  `json:"generator_id"`
	Owner        string  `json:"owner"`
	Offer        float64 `json:"offer"`
	DispatchedMW float64 `json:"dispatched_mw"`
}

// PlayerResult is one player's settlement for a cleared period.
type PlayerResult struct {
	Revenue float64 `json:"revenue"`
	Cost    float64 `json:"cost"`
	Profit  float64 `json:"profit"`
	Balance float64 `json:"balance"`
}

// PeriodRecord is the immutable result of clearing one period. It is written
// to storage exactly once, at the moment it is produced, and deleted only in
// bulk on reset or destroy.
type PeriodRecord struct {
	Period        int                     `json:"period"`
	DemandMW      float64                 `json:"demand_mw"`
	MarginalPrice float64                 `json:"marginal_price"`
	Dispatch      []Dispatch              `json:"dispatch"`
	Results       map[string]PlayerResult `json:"results"`
	ClearedAt     time.Time               `json:"cleared_at"`
}

// Summary is the denormalized listing-page view of one market, pushed to the
// external directory service whenever it changes.
type Summary struct {
	Market        string     `json:"market"`
	State         State      `json:"state"`
	Visibility    Visibility `json:"visibility"`
	PlayerCount   int        `json:"player_count"`
	MaxPlayers    int        `json:"max_players"`
	CurrentPeriod int        `json:"current_period"`
	Periods       int        `json:"periods"`
}
