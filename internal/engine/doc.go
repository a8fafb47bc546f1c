// Package engine implements the scenebridge job engine.
//
// The engine sits between the agent and the editor. It turns operator
// requests into jobs, agent responses into validated transactions, and
// transaction outcomes into error records and repair jobs.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Responses and transaction outcomes are handled in one goroutine. This
// ensures:
//   - a job is resolved at most once
//   - response handling order matches arrival order
//   - repair decisions see outcomes one at a time
//
// Event Processing Flow:
//  1. The poll ticker or Nudge() asks the loop to read the response queue
//  2. Each response is decoded, checked against its job, and preflighted
//  3. An accepted batch goes to the apply pipeline, which runs it on its
//     own goroutine
//  4. The pipeline reports the outcome back as an event
//  5. Failed outcomes produce a non-terminal error record and, when the
//     repair policy allows, a repair job
//
// Sweep (job expiry) and Reconcile (context reload plus fetching missing
// sources) run on their own tickers.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Every event is stamped with a monotonic seq from Clock.Next(). Wall-clock
// time is used only for TTLs and record timestamps.
//
// Consume After Verdict:
// A response file is consumed only after its verdict (Ack, error record,
// transaction) is durable.
package engine
