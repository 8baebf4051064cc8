package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/watthour/gridmarket/internal/domain"
)

// PeriodArchive implements domain.PeriodArchive using PostgreSQL. Rows are
// append-only; re-archiving the same (market, period) is silently skipped
// via ON CONFLICT DO NOTHING so a replayed clearing never duplicates data.
type PeriodArchive struct {
	pool *pgxpool.Pool
}

// NewPeriodArchive creates a PeriodArchive backed by the given pool.
func NewPeriodArchive(c *Client) *PeriodArchive {
	return &PeriodArchive{pool: c.Pool()}
}

// ArchivePeriod inserts one cleared period.
func (a *PeriodArchive) ArchivePeriod(ctx context.Context, market string, p *domain.PeriodRecord) error {
	dispatch, err := json.Marshal(p.Dispatch)
	if err != nil {
		return fmt.Errorf("postgres: marshal dispatch %s/%d: %w", market, p.Period, err)
	}
	results, err := json.Marshal(p.Results)
	if err != nil {
		return fmt.Errorf("postgres: marshal results %s/%d: %w", market, p.Period, err)
	}

	const query = `
		INSERT INTO period_results (
			market, period, demand_mw, marginal_price, cleared_at, dispatch, results
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market, period) DO NOTHING`

	if _, err := a.pool.Exec(ctx, query,
		market, p.Period, p.DemandMW, p.MarginalPrice, p.ClearedAt, dispatch, results,
	); err != nil {
		return fmt.Errorf("postgres: archive period %s/%d: %w", market, p.Period, err)
	}
	return nil
}
