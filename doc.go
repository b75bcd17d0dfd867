// Package deadletter provides a composable dead letter queue engine for
// asynchronous task pipelines. It classifies terminal task failures,
// holds them in a durable queryable store with lifecycle states, computes
// backoff-based retry eligibility, and serves operator redrive requests
// with precise success/failure/skip accounting.
//
// Deadletter is designed as a library, not a service. Import it, configure
// a store and an executor callback, and start the engine.
//
// # Quick Start
//
//	m, err := deadletter.New(
//	    deadletter.WithStore(pgStore),
//	    deadletter.WithScanInterval(15*time.Second),
//	)
//
// # Architecture
//
// The engine is split into small subsystem packages: entry (model and
// store contract), classify (ingress classification), backoff (retry
// delay policies), worker (dispatch and lifecycle transitions),
// scheduler (autonomous retry scan loop), redrive (operator
// orchestration), and stats (dashboard rollups). A single store backend
// (memory, postgres, bun) implements the whole persistence contract.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package deadletter
