/*
Package storage provides the SQLite-backed persistence layer of the agent.

One database file holds every table: the event and alert stores, the
invalid-event quarantine, staged upload files, cloud-pushed service
settings, and the LocalConfig key/value table with device credentials and
crypto seed. One process has exclusive write access; every statement goes
through a single mutex.

# Schema versioning

The store records a monotone integer in PRAGMA user_version. On open,
migrations run sequentially v → v+1, each inside its own transaction.
Migrations are additive only — columns are added, never dropped — and a
store written by a newer build refuses to open rather than downgrade.

# Crash recovery

Opening runs an integrity check. On failure the engine tries, in order:
VACUUM, dropping and rebuilding the event table (events lost, device stays
functional), and finally renaming the file to <db>.bk and starting fresh.
Recovery is bounded; startup is never blocked indefinitely on a bad disk.

# Transactions

Multi-insert batches are wrapped in one transaction per batch. A single
malformed row is logged and skipped without losing its batch. The engine
never panics on storage errors; integrity failures surface as diagnostics.
*/
package storage
