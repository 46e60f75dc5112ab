package mqtt

import (
	"fmt"
)

// Subscribe registers handler for topic and waits for the broker to
// confirm.
//
// Parameters:
//   - topic: Topic filter; + matches one level and # the rest
//   - qos: Maximum QoS the broker may deliver at (0, 1 or 2)
//   - handler: Called for each message on the client's delivery goroutine;
//     a panic in it is recovered and logged
//
// The subscription is tracked and restored automatically after the client
// reconnects, so the run controller subscribes to its command topic once
// at startup.
//
// Returns:
//   - error: nil on success, ErrInvalidTopic/ErrInvalidQoS for bad
//     arguments, ErrNotConnected, or ErrSubscribeFailed wrapping the cause.
//     A failed subscription is not tracked.
//
// Example:
//
//	err := client.Subscribe(mqtt.Topics{}.RunCommand(), 1, ctrl.HandleMessage)
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	var err error
	if !token.WaitTimeout(defaultPublishTimeout) {
		err = fmt.Errorf("%w: %w after %v", ErrSubscribeFailed, ErrTimeout, defaultPublishTimeout)
	} else if tokenErr := token.Error(); tokenErr != nil {
		err = fmt.Errorf("%w: %w", ErrSubscribeFailed, tokenErr)
	}
	if err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops a subscription and stops restoring it on reconnect.
//
// Messages already in flight may still reach the handler.
//
// Returns:
//   - error: nil on success, ErrNotConnected, or ErrUnsubscribeFailed
//     wrapping the cause
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", ErrUnsubscribeFailed, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked subscriptions, that is
// the ones restored after a reconnect.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether topic is tracked. Exact match only.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}
