// Package postgres provides a PostgreSQL store backend built on pgx/v5.
package postgres
