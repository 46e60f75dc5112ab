package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementChannelState = "channel_state"
	MeasurementRunEvent     = "run_event"
)

// WriteChannelState records one relay channel transition. The "on" field
// is written as 0 or 1 so Grafana can draw a step chart per channel.
//
//	client.WriteChannelState(2, "TEB", true, time.Now())
func (c *Client) WriteChannelState(id int, label string, on bool, ts time.Time) {
	value := 0
	if on {
		value = 1
	}
	c.writePoint(MeasurementChannelState,
		map[string]string{
			"channel": strconv.Itoa(id),
			"label":   label,
		},
		map[string]any{"on": value},
		ts,
	)
}

// WriteRunEvent records a run lifecycle event. The run ID is a field, not a
// tag, to keep series cardinality bounded by recipe and event type.
func (c *Client) WriteRunEvent(runID, recipeName, event, status string, step int, ts time.Time) {
	c.writePoint(MeasurementRunEvent,
		map[string]string{
			"recipe": recipeName,
			"event":  event,
		},
		map[string]any{
			"run_id": runID,
			"status": status,
			"step":   step,
		},
		ts,
	)
}

// WritePoint writes a custom point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(measurement, tags, fields, time.Now())
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if c.benchID != "" {
		if tags == nil {
			tags = make(map[string]string, 1)
		}
		tags["bench"] = c.benchID
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
