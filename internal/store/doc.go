// Package store provides SQLite-backed persistence for pending mutations.
//
// The store is pure data access: it knows nothing about catalogs, staging or
// remote systems. Its guarantees:
//
//   - Upsert by composite key: UNIQUE(site_id, resource_type, resource_key,
//     instance_key). Amending a row keeps id, created_at and seq.
//   - Creation order: every read returns rows ORDER BY created_at, seq, id so
//     replays within a resource are strictly oldest first.
//   - Site scoping: every query filters by site_id when one is given; DeleteSite
//     removes a site's rows and sync times together.
//   - Every failure is returned as a model.SyncError with CodeStorage.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
