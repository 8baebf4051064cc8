package domain

import (
	"context"
	"time"
)

// GameStore is the persistence contract the market actor restores from and
// writes through. The live record and each cleared period are separate keys
// so that waking an evicted actor costs O(live-record size) regardless of
// how many periods have been played.
//
// Implementations: store/redis (production), store/memory (tests).
type GameStore interface {
	// LoadGame returns the live record for a market, or ErrNotFound if the
	// market has no persisted state.
	LoadGame(ctx context.Context, market string) (*GameRecord, error)

	// SaveGame persists the live record as one unit, excluding cleared
	// periods.
	SaveGame(ctx context.Context, market string, rec *GameRecord) error

	// SavePeriod writes one cleared period. Each period is written exactly
	// once, at the moment it is produced.
	SavePeriod(ctx context.Context, market string, p *PeriodRecord) error

	// LoadPeriod returns one cleared period, or ErrNotFound.
	LoadPeriod(ctx context.Context, market string, period int) (*PeriodRecord, error)

	// LoadPeriods returns every cleared period for a market in ascending
	// period order.
	LoadPeriods(ctx context.Context, market string) ([]*PeriodRecord, error)

	// DeletePeriods removes all cleared periods for a market.
	DeletePeriods(ctx context.Context, market string) error

	// SaveBans replaces the banned-identity set.
	SaveBans(ctx context.Context, market string, identities []string) error

	// LoadBans returns the banned-identity set; an absent key is an empty set.
	LoadBans(ctx context.Context, market string) ([]string, error)

	// SaveCleanupAt records the instant a deferred-cleanup wake is armed for.
	SaveCleanupAt(ctx context.Context, market string, at time.Time) error

	// LoadCleanupAt returns the armed cleanup instant, or ErrNotFound when no
	// cleanup is pending.
	LoadCleanupAt(ctx context.Context, market string) (time.Time, error)

	// ClearCleanupAt disarms a pending cleanup marker.
	ClearCleanupAt(ctx context.Context, market string) error

	// SaveDirSnapshot stores the canonical serialization of the last summary
	// pushed to the external directory, used to suppress redundant pushes.
	SaveDirSnapshot(ctx context.Context, market string, snapshot string) error

	// LoadDirSnapshot returns the stored snapshot, or "" when none exists.
	LoadDirSnapshot(ctx context.Context, market string) (string, error)

	// ApproxSize reports the approximate persisted size of the market in
	// bytes, for the diagnostic summary.
	ApproxSize(ctx context.Context, market string) (int64, error)

	// Wipe removes every key belonging to the market.
	Wipe(ctx context.Context, market string) error
}

// PeriodArchive is the optional append-only settlement archive for offline
// analysis. Archive failures are logged and never block clearing.
//
// Implementation: store/postgres.
type PeriodArchive interface {
	ArchivePeriod(ctx context.Context, market string, p *PeriodRecord) error
}
