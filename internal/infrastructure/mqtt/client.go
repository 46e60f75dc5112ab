package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the deposition daemon.
//
// It publishes run and channel state, listens for remote run commands and
// restores its subscriptions after a reconnect. All methods are safe for
// concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is satisfied by logging.Logger and *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. Returned errors are logged only.
// Paho runs handlers on its own goroutines, so they must not block for long.
type MessageHandler func(topic string, payload []byte) error

// newClient builds an unconnected client around cfg.
func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect dials the broker described by cfg and waits for the session.
//
// Parameters:
//   - cfg: Broker address, client ID, credentials, QoS and reconnect
//     settings from the mqtt section of the daemon config
//
// On every (re)connect the client publishes a retained "online" status to
// deposition/system/status. The same topic carries the LWT, so the broker
// reports the daemon offline if it disappears without calling Close.
// Paho's auto-reconnect handles later link loss.
//
// Returns:
//   - *Client: Connected client, ready for Publish and Subscribe
//   - error: ErrConnectionFailed wrapping the cause, or a timeout after
//     the connect deadline
//
// Example:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return fmt.Errorf("connecting to mqtt: %w", err)
//	}
//	defer client.Close()
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected now so
	// IsConnected is true as soon as Connect returns.
	c.setConnected(true)
	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.restoreSubscriptions()
	c.publishStatus(statusOnline, "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)

	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishStatus sends a retained system status without waiting for the ack.
func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	return c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
		statusPayload(status, c.cfg.Broker.ClientID, reason))
}

// Close announces a graceful shutdown and disconnects.
//
// Shutdown sequence:
//  1. Publish to deposition/system/shutdown (not retained)
//  2. Publish a retained offline status with reason "graceful_shutdown",
//     which tells monitoring apart from the LWT "unexpected_disconnect"
//  3. Disconnect, letting in-flight messages drain for a short quiesce
//
// Close is safe on a nil client and always returns nil.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.client.Publish(Topics{}.SystemShutdown(), byte(c.cfg.QoS), false,
			statusPayload(statusOffline, c.cfg.Broker.ClientID, reasonGraceful)).
			WaitTimeout(defaultPublishTimeout)
		c.publishStatus(statusOffline, reasonGraceful).WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck verifies the broker link for the /health endpoint.
//
// Parameters:
//   - ctx: Checked for cancellation before the state is read
//
// Returns:
//   - error: nil when connected, ErrNotConnected while paho is
//     reconnecting, or the context error
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect sets a callback run on every connect and reconnect, after
// subscriptions are restored and the online status is published.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger used for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so a bad
// command payload cannot take down the paho router goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.dispatch(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) dispatch(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("mqtt handler panic recovered", "topic", topic, "panic", r)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("mqtt handler returned error", "topic", topic, "error", err)
		}
	}
}
