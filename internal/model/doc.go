// Package model holds the data types shared by every offsync package.
//
// This package imports nothing internal. The offline store, staging area,
// orchestrator and scheduler all speak in terms of these types, and resource
// modules implement the Syncable contract defined here.
//
// Key design constraints:
//   - A PendingMutation is identified by its composite Key; at most one record
//     exists per Key.
//   - Payloads are serialized with MarshalCanonical so the stored bytes are
//     deterministic (sorted keys, NFC strings).
//   - Times are stored as Unix milliseconds; a zero time means "unknown".
package model
