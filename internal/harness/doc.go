// Package harness runs end-to-end scenarios against the bridge.
//
// A scenario seeds a context, scripts an in-memory editor, plays the steps
// an agent and an operator would take (create a job, write a response,
// export a change, approve a transaction, let time pass) and then checks
// the audit trace and the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	policy:
//	  autoApply: false
//	repair:
//	  maxAttempts: 2
//	editor:
//	  fail:
//	    game/Workspace/Part: Part is locked
//	context:
//	  contextId: p_1__s_abc__k_main
//	  nodes:
//	    - {path: game/Workspace/Part, className: Part}
//	steps:
//	  - job: {ref: anchor, prompt: anchor the part}
//	  - respond:
//	      job: anchor
//	      body: {ok: true, actions: [...]}
//	  - process: true
//	  - approve: tx-1
//	assertions:
//	  - type: ack
//	    job: anchor
//	    outcome: queued
//
// # Assertion Types
//
//   - trace_contains: an audit entry of a kind, optionally by job, tx, code and message
//   - trace_order: audit kinds first appear in the given order
//   - trace_count: an audit kind appears exactly N times
//   - ack, pending: how a job was resolved, or that it is not
//   - errors: the number of error records of a job
//   - tx_state: the final state of a transaction
//   - property, source: the editor's final scene
//   - version: the final context version
//
// # Deterministic Testing
//
// Every scenario runs on a fresh in-memory SQLite database, a settable
// clock starting at testutil.Epoch, and sequential ids ("job-1", "tx-1").
// Steps that hand work to the pipeline settle it before the next step.
// Golden files hold the trace as RenderTrace groups it.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/apply_success.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        fmt.Println(e)
//	    }
//	}
package harness
