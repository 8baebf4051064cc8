package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watthour/gridmarket/internal/domain"
)

// GameStore implements domain.GameStore on Redis.
//
// Key schema (one market, here named {m}):
//
//	game:{m}            - JSON live record, excluding cleared periods
//	game:{m}:period:{n} - JSON of one cleared period
//	game:{m}:bans       - set of banned identities
//	game:{m}:wake       - RFC3339 instant of an armed deferred cleanup
//	game:{m}:dirsnap    - last summary pushed to the external directory
type GameStore struct {
	rdb *redis.Client
}

// NewGameStore creates a GameStore backed by the given Client.
func NewGameStore(c *Client) *GameStore {
	return &GameStore{rdb: c.Underlying()}
}

func gameKey(m string) string          { return "game:" + m }
func periodKey(m string, n int) string { return "game:" + m + ":period:" + strconv.Itoa(n) }
func periodPattern(m string) string    { return "game:" + m + ":period:*" }
func bansKey(m string) string          { return "game:" + m + ":bans" }
func wakeKey(m string) string          { return "game:" + m + ":wake" }
func dirSnapKey(m string) string       { return "game:" + m + ":dirsnap" }

// marketKeys are the fixed (non-period) keys belonging to one market.
func marketKeys(m string) []string {
	return []string{gameKey(m), bansKey(m), wakeKey(m), dirSnapKey(m)}
}

// LoadGame returns the live record, or domain.ErrNotFound when the market
// has never been persisted.
func (s *GameStore) LoadGame(ctx context.Context, market string) (*domain.GameRecord, error) {
	data, err := s.rdb.Get(ctx, gameKey(market)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: load game %s: %w", market, err)
	}
	rec := domain.NewGameRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("redis: unmarshal game %s: %w", market, err)
	}
	return rec, nil
}

// SaveGame persists the live record as one unit.
func (s *GameStore) SaveGame(ctx context.Context, market string, rec *domain.GameRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal game %s: %w", market, err)
	}
	if err := s.rdb.Set(ctx, gameKey(market), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: save game %s: %w", market, err)
	}
	return nil
}

// SavePeriod writes one cleared period under its own key.
func (s *GameStore) SavePeriod(ctx context.Context, market string, p *domain.PeriodRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal period %s/%d: %w", market, p.Period, err)
	}
	if err := s.rdb.Set(ctx, periodKey(market, p.Period), data, 0).Err(); err != nil {
		return fmt.Errorf("redis: save period %s/%d: %w", market, p.Period, err)
	}
	return nil
}

// LoadPeriod returns one cleared period, or domain.ErrNotFound.
func (s *GameStore) LoadPeriod(ctx context.Context, market string, period int) (*domain.PeriodRecord, error) {
	data, err := s.rdb.Get(ctx, periodKey(market, period)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: load period %s/%d: %w", market, period, err)
	}
	var p domain.PeriodRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("redis: unmarshal period %s/%d: %w", market, period, err)
	}
	return &p, nil
}

// LoadPeriods returns every cleared period in ascending order.
func (s *GameStore) LoadPeriods(ctx context.Context, market string) ([]*domain.PeriodRecord, error) {
	keys, err := s.scanKeys(ctx, periodPattern(market))
	if err != nil {
		return nil, err
	}
	periods := make([]*domain.PeriodRecord, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // deleted between scan and get
			}
			return nil, fmt.Errorf("redis: load periods %s: %w", market, err)
		}
		var p domain.PeriodRecord
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("redis: unmarshal period key %s: %w", key, err)
		}
		periods = append(periods, &p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Period < periods[j].Period })
	return periods, nil
}

// DeletePeriods removes every cleared-period key for the market.
func (s *GameStore) DeletePeriods(ctx context.Context, market string) error {
	keys, err := s.scanKeys(ctx, periodPattern(market))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: delete periods %s: %w", market, err)
	}
	return nil
}

// SaveBans replaces the banned-identity set.
func (s *GameStore) SaveBans(ctx context.Context, market string, identities []string) error {
	key := bansKey(market)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(identities) > 0 {
		members := make([]any, len(identities))
		for i, id := range identities {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save bans %s: %w", market, err)
	}
	return nil
}

// LoadBans returns the banned-identity set; an absent key is an empty set.
func (s *GameStore) LoadBans(ctx context.Context, market string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, bansKey(market)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load bans %s: %w", market, err)
	}
	return members, nil
}

// SaveCleanupAt records the armed deferred-cleanup instant.
func (s *GameStore) SaveCleanupAt(ctx context.Context, market string, at time.Time) error {
	if err := s.rdb.Set(ctx, wakeKey(market), at.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("redis: save cleanup %s: %w", market, err)
	}
	return nil
}

// LoadCleanupAt returns the armed cleanup instant, or domain.ErrNotFound.
func (s *GameStore) LoadCleanupAt(ctx context.Context, market string) (time.Time, error) {
	val, err := s.rdb.Get(ctx, wakeKey(market)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, domain.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("redis: load cleanup %s: %w", market, err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: parse cleanup %s: %w", market, err)
	}
	return at, nil
}

// ClearCleanupAt disarms a pending cleanup marker.
func (s *GameStore) ClearCleanupAt(ctx context.Context, market string) error {
	if err := s.rdb.Del(ctx, wakeKey(market)).Err(); err != nil {
		return fmt.Errorf("redis: clear cleanup %s: %w", market, err)
	}
	return nil
}

// SaveDirSnapshot stores the canonical last-pushed directory summary.
func (s *GameStore) SaveDirSnapshot(ctx context.Context, market string, snapshot string) error {
	if err := s.rdb.Set(ctx, dirSnapKey(market), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("redis: save dirsnap %s: %w", market, err)
	}
	return nil
}

// LoadDirSnapshot returns the stored snapshot, or "" when none exists.
func (s *GameStore) LoadDirSnapshot(ctx context.Context, market string) (string, error) {
	val, err := s.rdb.Get(ctx, dirSnapKey(market)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: load dirsnap %s: %w", market, err)
	}
	return val, nil
}

// ApproxSize sums MEMORY USAGE over the market's keys. Keys the server
// cannot size count as zero.
func (s *GameStore) ApproxSize(ctx context.Context, market string) (int64, error) {
	keys, err := s.scanKeys(ctx, periodPattern(market))
	if err != nil {
		return 0, err
	}
	keys = append(keys, marketKeys(market)...)
	var total int64
	for _, key := range keys {
		n, err := s.rdb.MemoryUsage(ctx, key).Result()
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// Wipe removes every key belonging to the market.
func (s *GameStore) Wipe(ctx context.Context, market string) error {
	keys, err := s.scanKeys(ctx, periodPattern(market))
	if err != nil {
		return err
	}
	keys = append(keys, marketKeys(market)...)
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: wipe %s: %w", market, err)
	}
	return nil
}

func (s *GameStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
