package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds, as paho expects.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// System status values and offline reasons.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonGraceful   = "graceful_shutdown"
	reasonUnexpected = "unexpected_disconnect"
)

// buildClientOptions maps the mqtt config section onto paho options.
//
// Parameters:
//   - cfg: Broker host/port/TLS, client ID, credentials and reconnect delays
//
// Settings applied:
//   - Clean session: remote run commands are only meaningful while the
//     daemon is up, so nothing is queued for it across restarts
//   - Auto-reconnect with retry, backing off from InitialDelay to MaxDelay
//   - TLS 1.2 minimum when cfg.Broker.TLS is set
//
// Returns:
//   - *pahomqtt.ClientOptions: Options ready for the LWT and handlers
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Commands are only meaningful while the daemon is up; no persistent session.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// BrokerURL returns the paho broker URL for cfg, "ssl://" when TLS is on
// and "tcp://" otherwise.
//
// Example:
//
//	mqtt.BrokerURL(cfg.MQTT) // "tcp://localhost:1883"
func BrokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
}

// configureLWT registers the retained offline status the broker publishes
// when the daemon drops off without closing its client.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetBinaryWill(Topics{}.SystemStatus(), statusPayload(statusOffline, clientID, reasonUnexpected), 1, true)
}

// StatusMessage is the payload on deposition/system/status.
//
// Reason is set only on offline messages: "graceful_shutdown" from Close,
// "unexpected_disconnect" from the broker-published LWT.
type StatusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(status, clientID, reason string) []byte {
	payload, _ := json.Marshal(StatusMessage{ //nolint:errcheck // plain string fields
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}
