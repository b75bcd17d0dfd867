// Package entry defines the dead letter entry model and its persistence
// contract. An [Entry] records one permanently escalated task failure:
// the originating task identity, the raw failure detail, its classified
// category and priority, the retry budget, and an append-only history of
// redrive attempts.
//
// # Lifecycle
//
// Entries move through a small state machine:
//
//	pending → processing → {completed | pending (retry) | failed_permanently}
//	completed | failed_permanently → archived
//
// The pending/failed_permanently → processing transition is the single
// mutual-exclusion point in the engine. Stores implement it as an atomic
// conditional update ([Store.ClaimEntry]) so a scheduler pass and a manual
// redrive can never both dispatch the same entry, across processes as well
// as goroutines.
//
// # History
//
// Redrive history is an immutable log keyed by entry. Stores expose an
// atomic append-and-number operation ([Store.AppendAttempt]) so attempt
// numbers are strictly increasing with no gaps regardless of whether the
// scheduler or an operator caused the attempt.
package entry
