// Package stores provides the SQLite persistence layer for cumulus.
// It keeps managed resources with their transition history, the admission
// counters, backup restorations, backup schedules and the published event
// log in one WAL-mode database with embedded migrations.
package stores
