// Package storage persists per-destination last-sent timestamps.
//
// The dedupe cooldown must survive process restarts, so the default driver
// is sqlite. A file driver (snapshot + jsonl journal) and a redis driver
// are available for deployments that prefer them; the memory driver exists
// for tests and dry runs.
//
// Drivers return an error when a stored timestamp cannot be parsed; callers
// (the deduper) treat any storage error as "allowed to send".
package storage
