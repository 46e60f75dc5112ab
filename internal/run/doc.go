// Package run supervises a single sequencer per relay device.
//
// The Controller serialises operator commands (start, pause, resume, abort,
// acknowledge) with the clock tick that drives the sequencer, and fans each
// state change out to the UI hub, MQTT, telemetry, Prometheus and the run
// history. A terminal run stays visible until it is acknowledged; a faulted
// run can only be acknowledged once the device reads back successfully.
//
// Remote commands arrive on deposition/command/run as JSON, for example
// {"action":"start","recipe":"ALD","operator":"line-plc"}. Each one is
// recorded in the audit trail when Options.Audit is set.
//
// Typical wiring:
//
//	ctrl, err := run.NewController(adapter, table, run.Options{
//	    Library: lib,
//	    Repo:    run.NewSQLiteRepository(db.DB),
//	    MQTT:    mqttClient,
//	    Hub:     hub,
//	})
//	go ctrl.Run(ctx)
package run
