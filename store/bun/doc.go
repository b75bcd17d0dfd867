// Package bunstore provides a store backend built on the Bun ORM with
// the PostgreSQL dialect. Use it when the host application already
// manages a *bun.DB; the store shares that connection and never closes
// it.
package bunstore
