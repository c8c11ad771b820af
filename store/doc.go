// Package store persists workflow definitions, runs, and dead letter
// entries behind gorm (PostgreSQL, MySQL, or SQLite), with an in-memory
// implementation for tests and database-less deployments, and a Redis
// mirror for circuit breaker state.
package store
