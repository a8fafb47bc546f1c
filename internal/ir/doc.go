// Package ir defines the wire and data model shared by every scenebridge
// component: jobs and responses exchanged with the agent, the closed set of
// action variants, context snapshots and deltas, transactions, receipts and
// audit records.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Wire JSON uses camelCase keys; the external agent and editor plugin
//     read and write the same shapes.
//   - Actions are a closed tagged variant: every kind has its own payload
//     struct, validated at the boundary (see action.go).
//   - Content-addressed digests are computed over canonical JSON with
//     domain separation (see canonical.go and hash.go).
package ir
