// Package harness runs YAML scenarios against the real offline stack
// (store, staging area, pending queue, orchestrator and scheduler) with the
// in-memory remote service standing in for the server.
//
// # Scenario Format
//
//	name: glossary_edit_conflict
//	description: "What this scenario validates"
//	site: s1
//	remote:
//	  - type: glossary-entry
//	    resource: g1
//	    instance: apple
//	    fields: { definition: "?" }
//	steps:
//	  - open: { type: glossary-entry, resource: g1 }
//	  - queue: { type: glossary-entry, resource: g1, instance: apple, action: update, payload: { definition: A fruit } }
//	  - remote_touch: { type: glossary-entry, resource: g1, instance: apple }
//	  - sync: { type: glossary-entry, resource: g1 }
//	    expect: { outcome: partial_failure, warnings: 1 }
//	expect:
//	  pending: 1
//	  remote:
//	    - { type: glossary-entry, resource: g1, instance: apple, fields: { definition: "?" } }
//
// # Steps
//
//   - open: read the resource's remote marker, as an editor does before an edit
//   - queue: store an offline write; "as" names the generated placeholder
//   - remote_touch: another device edits the resource
//   - fail_next, fail_upload: the next write or upload fails
//   - offline, online: change connectivity
//   - block, unblock: hold or drop the editor lock on a resource
//   - sync: sync one resource, or every resource of the site when empty
//   - discard: abandon a pending mutation
//
// A resource or instance written as "$name" refers to the placeholder
// queued with "as: name", or to its server id once it was created.
//
// # Deterministic Testing
//
// Clocks, mutation ids and server ids are deterministic, and SyncAll runs
// one resource at a time, so a scenario always produces the same trace.
// Traces are compared with golden files in testdata/golden.
package harness
