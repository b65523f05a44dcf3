// Package engine provides the core types and the orchestration engine for
// nimbus resource provisioning.
//
// # Overview
//
// A provisioning request flows through four stages:
//
//  1. Resolve - expand the requested resource into a CreationPlan whose
//     nodes include every auto-created companion (resolver package)
//  2. Guard - evaluate the plan against policy (policy package)
//  3. Run - execute the plan in dependency order (Orchestrator)
//  4. Record - append the outcome to the session ledger (ledger package)
//
// This package owns stages 3's machinery and the shared data model:
//
//   - ResourceSpec: what was asked for (type, purpose, scope)
//   - PlanNode: one resource to create, with resolved config and edges
//   - CreationPlan: topologically ordered nodes for one request
//   - ExecutionRecord: the outcome of one node
//   - RunResult: the outcome of a whole plan
//
// # Execution Model
//
// The Orchestrator schedules nodes event-driven: a node becomes ready
// exactly when all of its dependencies reach created, and readiness is
// recomputed as each node completes. Independent branches run concurrently
// up to RunOptions.MaxParallel.
//
// On a node failure the default (non-strict) policy skips the failed node's
// transitive dependents and keeps executing independent branches, yielding a
// partial result. Strict mode instead rolls back every created node in
// reverse order and fails the plan as a whole; a rollback deletion that
// itself fails flags the run RollbackFailed and leaves the resource in the
// record so operators know exactly what still exists.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: provider rate limiting, retried with longer backoff
//   - Permanent: non-recoverable errors, surfaced immediately
//
// Use the helper predicates to inspect errors:
//
//	if engine.IsRetryable(err) {
//	    // back off and retry
//	}
package engine
