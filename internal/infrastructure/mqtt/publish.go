package mqtt

import (
	"fmt"
)

// maxPayloadSize caps a single message at 1MB. A run snapshot is a few
// kilobytes, so anything larger is a bug upstream.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement.
//
// Parameters:
//   - topic: The full topic (e.g., "deposition/channel/2/state")
//   - payload: The message body, normally JSON, at most 1MB
//   - qos: 0, 1 or 2; the controller uses the configured level
//   - retained: Whether the broker keeps the message for late subscribers
//
// What the controller publishes:
//   - run status and channel state: retained, so a dashboard that connects
//     mid-run sees the latest state at once
//   - run events (started, step, aborted, ...): not retained
//
// Returns:
//   - error: nil once the broker acknowledged, ErrNotConnected while the
//     link is down, or ErrPublishFailed wrapping the cause (ErrTimeout
//     included)
//
// Example:
//
//	topic := mqtt.Topics{}.ChannelState(2)
//	err := client.Publish(topic, []byte(`{"on":true}`), 1, true)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrPublishFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishRetained publishes a retained message at the configured QoS.
//
// Returns the same errors as Publish.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
