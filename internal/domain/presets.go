package domain

// GeneratorSpec is one unit of a generator preset: the true marginal cost
// and nameplate capacity handed to every player at game start.
type GeneratorSpec struct {
	TrueCost   float64 `json:"true_cost"`
	CapacityMW float64 `json:"capacity_mw"`
}

// GeneratorPresets maps preset names to the fleet every player receives.
// Each player gets the full preset, so total capacity per player is
// identical across the game.
var GeneratorPresets = map[string][]GeneratorSpec{
	// A conventional merit-order fleet: one large cheap baseload unit and a
	// tail of increasingly expensive peakers.
	"standard": {
		{TrueCost: 20, CapacityMW: 50},
		{TrueCost: 30, CapacityMW: 20},
		{TrueCost: 40, CapacityMW: 10},
		{TrueCost: 50, CapacityMW: 10},
		{TrueCost: 65, CapacityMW: 10},
	},
	// Two mid-size units with similar costs; rewards sharper bidding.
	"duopoly": {
		{TrueCost: 25, CapacityMW: 40},
		{TrueCost: 35, CapacityMW: 40},
		{TrueCost: 60, CapacityMW: 20},
	},
	// A steep supply curve where scarcity pricing matters.
	"peaky": {
		{TrueCost: 15, CapacityMW: 30},
		{TrueCost: 45, CapacityMW: 30},
		{TrueCost: 90, CapacityMW: 15},
		{TrueCost: 140, CapacityMW: 10},
	},
}

// DefaultGeneratorPreset is used when options do not name a preset.
const DefaultGeneratorPreset = "standard"

// DemandProfiles are the fixed 24-slot demand multiplier curves. Period n
// uses slot (n-1) mod 24, so games longer than 24 periods wrap around the
// same day shape.
var DemandProfiles = map[string][24]float64{
	"flat": {
		1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
		1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	},
	// Overnight trough, morning ramp, evening peak.
	"weekday": {
		0.62, 0.58, 0.56, 0.55, 0.57, 0.64, 0.78, 0.92,
		1.02, 1.05, 1.06, 1.07, 1.06, 1.04, 1.03, 1.05,
		1.10, 1.20, 1.32, 1.35, 1.28, 1.12, 0.92, 0.74,
	},
	// Air-conditioning load builds through the afternoon.
	"summer": {
		0.70, 0.66, 0.63, 0.62, 0.63, 0.68, 0.76, 0.88,
		0.98, 1.08, 1.18, 1.27, 1.34, 1.40, 1.44, 1.45,
		1.42, 1.36, 1.26, 1.14, 1.02, 0.92, 0.84, 0.76,
	},
	// Double peak: morning heating and a taller evening peak.
	"winter": {
		0.78, 0.74, 0.72, 0.72, 0.76, 0.88, 1.08, 1.22,
		1.18, 1.06, 0.98, 0.94, 0.92, 0.92, 0.96, 1.06,
		1.24, 1.42, 1.46, 1.38, 1.24, 1.08, 0.94, 0.84,
	},
}

// DefaultDemandProfile is used when options do not name a profile.
const DefaultDemandProfile = "flat"

// BaseDemandPerPlayer is the per-player demand in MW before the profile
// multiplier and jitter are applied.
const BaseDemandPerPlayer = 100.0
