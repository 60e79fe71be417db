// Package storage is the persistent store behind the campaign engine.
//
// It keeps:
//   - accounts, templates and campaigns (read by the engine)
//   - the append-only delivery log with campaign and daily counters
//   - per-client log bot settings
//   - the known-chat directory used by the Bot API provider
//
// Two drivers are supported through sqlx: "sqlite" (modernc, pure Go) and
// "postgres" (lib/pq). Queries are written with ? placeholders and rebound
// per driver.
package storage
