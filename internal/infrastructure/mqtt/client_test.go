package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
)

// testConfig returns a config pointing at a local broker. Unit tests never
// dial it; integration_test.go does.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "deposition-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"RunStatus", topics.RunStatus(), "deposition/run/status"},
		{"RunEvent", topics.RunEvent("run.faulted"), "deposition/run/event/run.faulted"},
		{"RunCommand", topics.RunCommand(), "deposition/command/run"},
		{"ChannelState", topics.ChannelState(3), "deposition/channel/3/state"},
		{"SystemStatus", topics.SystemStatus(), "deposition/system/status"},
		{"SystemShutdown", topics.SystemShutdown(), "deposition/system/shutdown"},
		{"AllRunEvents", topics.AllRunEvents(), "deposition/run/event/+"},
		{"AllChannelStates", topics.AllChannelStates(), "deposition/channel/+/state"},
		{"AllTopics", topics.AllTopics(), "deposition/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := BrokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("BrokerURL() = %q", got)
	}

	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := BrokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("BrokerURL() with TLS = %q", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "bench", Password: "secret"}
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	if len(opts.Servers) != 1 || opts.Servers[0].Scheme != "ssl" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "deposition-test" || opts.Username != "bench" || opts.Password != "secret" {
		t.Errorf("identity = %q %q %q", opts.ClientID, opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect {
		t.Error("expected clean session with auto-reconnect")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("TLSConfig = %+v", opts.TLSConfig)
	}

	if !opts.WillEnabled || opts.WillTopic != "deposition/system/status" || !opts.WillRetained {
		t.Fatalf("will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	var will StatusMessage
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if will.Status != statusOffline || will.Reason != reasonUnexpected || will.ClientID != "deposition-test" {
		t.Errorf("will = %+v", will)
	}
}

func TestBuildClientOptionsAnonymous(t *testing.T) {
	opts := buildClientOptions(testConfig())
	if opts.Username != "" || opts.Password != "" {
		t.Errorf("anonymous credentials = %q/%q", opts.Username, opts.Password)
	}
	if len(opts.Servers) != 1 || opts.Servers[0].Scheme != "tcp" {
		t.Errorf("Servers = %v", opts.Servers)
	}
}

func TestStatusPayload(t *testing.T) {
	var msg StatusMessage
	if err := json.Unmarshal(statusPayload(statusOnline, "bench-1", ""), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != "online" || msg.ClientID != "bench-1" || msg.Timestamp == "" {
		t.Errorf("status = %+v", msg)
	}

	raw := statusPayload(statusOnline, "bench-1", "")
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["reason"]; ok {
		t.Errorf("empty reason should be omitted: %s", raw)
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestDisconnectedClient(t *testing.T) {
	c := newClient(testConfig())
	noop := func(string, []byte) error { return nil }

	if c.IsConnected() {
		t.Fatal("new client should not be connected")
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("deposition/x", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("deposition/x", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("deposition/x", []byte("{}"), 1, false), ErrNotConnected},
		{"retained disconnected", c.PublishRetained("deposition/x", []byte("{}")), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 1, noop), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("deposition/x", 3, noop), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("deposition/x", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("deposition/x", 1, noop), ErrNotConnected},
		{"unsubscribe empty topic", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("deposition/x"), ErrNotConnected},
		{"health", c.HealthCheck(context.Background()), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 || c.HasSubscription("deposition/x") {
		t.Error("failed subscribe must not be tracked")
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c := newClient(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on empty client = %v", err)
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestDispatch(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	var got string
	c.dispatch(func(topic string, payload []byte) error {
		got = topic + " " + string(payload)
		return nil
	}, "deposition/command/run", []byte(`{"action":"pause"}`))
	if got != `deposition/command/run {"action":"pause"}` {
		t.Errorf("handler saw %q", got)
	}

	c.dispatch(func(string, []byte) error { return errors.New("bad command") }, "t", nil)
	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 || len(logger.errors) != 1 {
		t.Errorf("warns=%v errors=%v, want one of each", logger.warns, logger.errors)
	}
}

func TestDispatchWithoutLogger(t *testing.T) {
	c := newClient(testConfig())
	// Must not panic with no logger set.
	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
}

func TestDisconnectCallback(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	var gotErr error
	c.SetOnDisconnect(func(err error) { gotErr = err })
	c.setConnected(true)

	lost := errors.New("EOF")
	c.handleDisconnect(lost)

	if !errors.Is(gotErr, lost) {
		t.Errorf("onDisconnect got %v", gotErr)
	}
	if c.IsConnected() {
		t.Error("client should be disconnected")
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v", logger.warns)
	}
}
