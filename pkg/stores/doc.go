// Package stores provides persistence layer implementations for PlanWeave.
// It includes an in-memory store for tests and single-process use, and a
// SQLite-based store with WAL mode, connection pooling, and embedded
// migrations for plans, artifacts, and trace events.
package stores
