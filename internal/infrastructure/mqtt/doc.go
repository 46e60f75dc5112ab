// Package mqtt connects the deposition daemon to an MQTT broker.
//
// The broker is optional. When enabled, the daemon mirrors run state and
// relay channel state onto retained topics, emits run lifecycle events, and
// accepts remote run commands:
//
//	deposition/run/status            retained RunState JSON
//	deposition/run/event/{type}      run.started, run.step, run.completed, ...
//	deposition/channel/{id}/state    retained channel on/off
//	deposition/command/run           {"action":"pause"} and friends
//	deposition/system/status         online/offline, also the LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.RunCommand(), 1, ctrl.HandleMessage)
//
// Connections auto-reconnect with backoff between reconnect.initial_delay
// and reconnect.max_delay, and subscriptions are restored after each
// reconnect. Use TLS whenever the broker is not on the bench host.
package mqtt
