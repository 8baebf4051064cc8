// Package client implements the connection protocol a dashboard or bot
// speaks against a market: a single logical session with heartbeating,
// exponential-backoff reconnection, and a local replica that merges full
// snapshots and incremental pushes into one authoritative view.
package client

import (
	"sort"
	"sync"

	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/view"
)

// Replica is the client-side copy of the game state. All mutation funnels
// through Apply, the single merge entry point; readers take snapshots.
type Replica struct {
	mu      sync.RWMutex
	state   *view.GameView
	periods map[int]view.PeriodView
}

// NewReplica returns an empty replica.
func NewReplica() *Replica {
	return &Replica{periods: make(map[int]view.PeriodView)}
}

// Apply merges one push into the replica. Three rules, keyed off the
// full-snapshot flag and the pushed lifecycle state:
//
//  1. full snapshot: replace the replica entirely;
//  2. incremental push outside running/completed: replace entirely, there
//     is no incremental history to preserve yet;
//  3. incremental push while running/completed: upsert the pushed periods
//     by period number, keep all previously known periods, and replace
//     every other field.
func (r *Replica) Apply(v *view.GameView) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaceAll := v.Full ||
		(v.State != domain.StateRunning && v.State != domain.StateCompleted)

	if replaceAll {
		r.periods = make(map[int]view.PeriodView, len(v.Periods))
	}
	for _, p := range v.Periods {
		r.periods[p.Period] = p
	}
	r.state = v
}

// Reset clears the replica, used when switching markets.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = nil
	r.periods = make(map[int]view.PeriodView)
}

// Snapshot returns a read-only copy of the current view with the full known
// period history in ascending order. It returns nil before the first push.
func (r *Replica) Snapshot() *view.GameView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil
	}
	out := *r.state
	out.Periods = make([]view.PeriodView, 0, len(r.periods))
	nums := make([]int, 0, len(r.periods))
	for n := range r.periods {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		out.Periods = append(out.Periods, r.periods[n])
	}
	return &out
}

// Periods returns how many cleared periods the replica knows about.
func (r *Replica) Periods() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.periods)
}
