// Package storage provides the GORM implementation of the run repository.
//
// This package includes:
//   - GormStorage: core.Storage on SQLite or PostgreSQL
//   - Open and Dialector: driver selection from a database URL
//   - Pool options for the underlying *sql.DB
//   - IsDuplicate and IsTransient: driver error classification
//
// Capacity limits (batch workers, group members) are enforced by conditional
// UPDATE statements, so any number of processes may share one database.
package storage
