// Package database manages the GORM connection pool used by the
// execution store: pool tuning, background health checks, and
// transaction helpers with retry for transient failures.
package database
