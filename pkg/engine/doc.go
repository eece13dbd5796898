// Package engine implements the deployment orchestration state machine.
//
// A deployment is one provisioning-or-destroy lifecycle: created pending,
// driven through provisioning and post-provisioning to completion, and
// optionally torn down again. The engine sequences the external tool and
// cloud CLI invocations for each deployment, classifies failures, keeps an
// append-only per-deployment log for observers, and persists every status
// transition through the state store.
//
// Each deployment's run executes as its own goroutine; steps within a run
// are strictly sequential. The in-memory registry is the only shared
// mutable structure and is lock-protected.
package engine
