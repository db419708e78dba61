// Package engine reconciles batches of concurrent actions against a Store.
//
// A pass takes every action queued since the previous pass, groups them by the
// key they target, and decides per key what happens:
//
//   - any create wins outright; the newest create replaces the record
//   - deletes racing edits produce a conflict for the deleting clients
//   - deletes alone remove the record
//   - edits alone are merged oldest to newest and applied as one patch
//
// Each non-empty pass advances the data version exactly once and every message
// it produced is stamped with the new version. Failures are contained to the
// key they happened on.
package engine
