// Package stats computes aggregate views of the dead letter queue for
// dashboards and alerting.
package stats

import (
	"context"
	"time"

	"github.com/xraph/deadletter/entry"
)

// Stats is a point-in-time aggregate of the queue. TotalEntries always
// equals the sum of the ByStatus counts. Age figures cover active
// entries only (pending, processing, failed permanently); completed and
// archived entries no longer represent waiting work.
type Stats struct {
	TotalEntries int64                    `json:"total_entries"`
	ByStatus     map[entry.Status]int64   `json:"by_status"`
	ByCategory   map[entry.Category]int64 `json:"by_category"`
	ByPriority   map[entry.Priority]int64 `json:"by_priority"`
	AvgAgeHours  float64                  `json:"avg_age_hours"`
	OldestHours  float64                  `json:"oldest_entry_age_hours"`
	GeneratedAt  time.Time                `json:"generated_at"`
}

// Aggregator computes Stats from a store.
type Aggregator struct {
	store entry.Store
}

// NewAggregator creates an Aggregator.
func NewAggregator(store entry.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Collect gathers a fresh snapshot. Every known status, category, and
// priority appears in the maps, zero-valued when absent, so consumers
// never need existence checks.
func (a *Aggregator) Collect(ctx context.Context) (*Stats, error) {
	now := time.Now().UTC()

	byStatus, err := a.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	byCategory, err := a.store.CountByCategory(ctx)
	if err != nil {
		return nil, err
	}
	byPriority, err := a.store.CountByPriority(ctx)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		ByStatus:    make(map[entry.Status]int64, len(entry.Statuses())),
		ByCategory:  make(map[entry.Category]int64, len(entry.Categories())),
		ByPriority:  make(map[entry.Priority]int64, len(entry.Priorities())),
		GeneratedAt: now,
	}

	for _, st := range entry.Statuses() {
		s.ByStatus[st] = byStatus[st]
		s.TotalEntries += byStatus[st]
	}
	for _, c := range entry.Categories() {
		s.ByCategory[c] = byCategory[c]
	}
	for _, p := range entry.Priorities() {
		s.ByPriority[p] = byPriority[p]
	}

	created, err := a.store.ActiveCreatedAt(ctx)
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		var totalHours float64
		oldest := created[0]
		for _, t := range created {
			totalHours += now.Sub(t).Hours()
			if t.Before(oldest) {
				oldest = t
			}
		}
		s.AvgAgeHours = totalHours / float64(len(created))
		s.OldestHours = now.Sub(oldest).Hours()
	}

	return s, nil
}
