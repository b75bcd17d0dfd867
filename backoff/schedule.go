package backoff

import (
	"time"

	"github.com/xraph/deadletter/entry"
)

// Schedule maps failure categories to backoff strategies. Categories
// without an explicit strategy fall back to Default.
type Schedule struct {
	Default    Strategy
	ByCategory map[entry.Category]Strategy
}

// NewSchedule creates a Schedule with the given default strategy.
func NewSchedule(def Strategy) *Schedule {
	return &Schedule{
		Default:    def,
		ByCategory: make(map[entry.Category]Strategy),
	}
}

// Set assigns a strategy for a category and returns the schedule for
// chaining.
func (s *Schedule) Set(c entry.Category, strat Strategy) *Schedule {
	s.ByCategory[c] = strat
	return s
}

// For returns the strategy for a category, falling back to Default.
func (s *Schedule) For(c entry.Category) Strategy {
	if strat, ok := s.ByCategory[c]; ok {
		return strat
	}
	return s.Default
}

// NextRetryAt computes when an entry that has failed retryCount times
// should next become eligible: now + strategy delay for the upcoming
// attempt (retryCount+1).
func (s *Schedule) NextRetryAt(c entry.Category, retryCount int, now time.Time) time.Time {
	return now.Add(s.For(c).Delay(retryCount + 1))
}

// DefaultSchedule returns the engine's default per-category policy.
// Transient infrastructure failures retry quickly; rule-level failures
// wait for a human-scale interval before burning budget.
func DefaultSchedule() *Schedule {
	return NewSchedule(NewGeometric(1*time.Minute, 2, 1*time.Hour)).
		Set(entry.CategoryNetwork, NewGeometric(15*time.Second, 2, 15*time.Minute)).
		Set(entry.CategoryTimeout, NewGeometric(30*time.Second, 2, 30*time.Minute)).
		Set(entry.CategoryDatabase, NewGeometric(1*time.Minute, 2, 1*time.Hour)).
		Set(entry.CategorySystem, NewGeometric(2*time.Minute, 2, 2*time.Hour)).
		Set(entry.CategoryProcessing, NewGeometric(1*time.Minute, 2, 1*time.Hour)).
		Set(entry.CategoryValidation, NewGeometric(10*time.Minute, 2, 6*time.Hour)).
		Set(entry.CategoryBusinessRule, NewGeometric(15*time.Minute, 2, 12*time.Hour))
}
