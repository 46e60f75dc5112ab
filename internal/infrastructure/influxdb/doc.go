// Package influxdb writes bench telemetry to InfluxDB v2.
//
// Two measurements are recorded, both tagged with the bench ID:
//
//	channel_state  tags: channel, label   fields: on (0/1)
//	run_event      tags: recipe, event    fields: run_id, status, step
//
// Channel states give a per-valve step chart of every run; run events mark
// starts, steps, pauses and terminal states on the same time axis.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Bench.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) { log.Warn("influx write failed", "error", err) })
//
// Writes never block the sequencer: points are buffered and flushed by
// batch_size or flush_interval, whichever comes first.
package influxdb
