// Package ctxstore is the Context Store: a versioned cache of the remote
// editor tree, one snapshot per contextId, plus the delta codec that moves
// it from one version to the next.
//
// Every successful ApplyDelta advances the version by exactly one and is
// persisted before it becomes visible. Readers get private copies and
// detect staleness through versions and fingerprints, never by assuming
// freshness.
package ctxstore
