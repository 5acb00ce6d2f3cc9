// Package engine implements the sync orchestrator: for one resource, replay
// its pending mutations against the remote system in creation order and
// reconcile local state.
//
// ARCHITECTURE:
//
// A pass over one resource goes through
//
//	Checking (pending? blocked? online?) -> Running -> outcome
//
// and ends in one of NoOp, Blocked, Deferred, Success or PartialFailure.
// For each mutation, oldest first:
//  1. Upload staged attachments.
//  2. Compare the remote last-modified marker with the mutation's baseline;
//     a newer remote marker is a conflict and the mutation is not sent.
//  3. Send the mutation. On success delete it through the pending queue and
//     re-key dependents of a placeholder. On rejection keep or discard it
//     according to the catalog policy and the module's SafeToRetry flag.
//
// A mutation that stays pending stops the pass for its resource, so a later
// mutation is never applied ahead of an earlier one. Other resources are
// unaffected: their passes are independent.
//
// After the mutations: invalidate read caches, emit "<type>-auto-synced"
// when something changed, and record the sync time.
//
// The orchestrator never holds two passes over the same resource at once:
// the sync guard (sync:<type>, site/resource) is taken atomically with the
// check that no editor holds (<type>, site/resource).
package engine
