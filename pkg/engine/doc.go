// Package engine provides the core types and the workflow of the agentd
// deployment orchestrator.
//
// # Overview
//
// A deployment provisions one Compute Engine VM that builds and runs the
// monitoring agent. The Orchestrator drives it through five ordered steps:
//
//  0. validate - Check the required configuration fields and, against a real
//     backend, look the network up (advisory only)
//  1. create-vm - Render the startup script and create the instance
//  2. wait-ready - Poll the instance until it runs
//  3. install-agent - Marker step; the startup script does the work
//  4. start-services - Marker step
//
// Every step emits an in-progress StepEvent on entry and a completed one on
// exit. The first error ends the run with a single failed event whose step is
// StepUnindexed. Nothing is retried at this level.
//
// # Collaborators
//
// The orchestrator only sees two capabilities:
//
//   - Provisioner: network lookup, instance create, readiness and addresses
//   - ScriptRenderer: produces the boot-time provisioning script
//
// The provisioning package implements Provisioner over the GCE and simulated
// backends; the startup package implements ScriptRenderer.
//
// # Error Classification
//
// DeploymentError carries an ErrorClass:
//
//   - validation: missing or malformed configuration, fatal
//   - backend: a provisioning call failed
//   - not-found: a query named an unknown deployment
//
//	if engine.IsValidation(err) {
//	    // report the missing fields
//	}
//
// # Example Usage
//
//	orch := engine.NewOrchestrator(adapter, templater, logger)
//	result, err := orch.Run(ctx, cfg, deploymentID, func(ev engine.StepEvent) {
//	    fmt.Println(ev.Percentage, ev.Message)
//	})
package engine
