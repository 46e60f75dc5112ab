// depositiond drives an ALD/CVD bench: it runs deposition recipes on the
// relay board, enforces the interlock table and serves the bench UI API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/aldcvd/deposition-core/migrations"

	"github.com/aldcvd/deposition-core/internal/api"
	"github.com/aldcvd/deposition-core/internal/audit"
	"github.com/aldcvd/deposition-core/internal/bench"
	"github.com/aldcvd/deposition-core/internal/infrastructure/config"
	"github.com/aldcvd/deposition-core/internal/infrastructure/database"
	"github.com/aldcvd/deposition-core/internal/infrastructure/influxdb"
	"github.com/aldcvd/deposition-core/internal/infrastructure/logging"
	"github.com/aldcvd/deposition-core/internal/infrastructure/mqtt"
	"github.com/aldcvd/deposition-core/internal/relay"
	"github.com/aldcvd/deposition-core/internal/run"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// startupTimeout bounds the initial board read-back and restore.
const startupTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability. It
// returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting depositiond",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log = log.With("bench", cfg.Bench.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Bench model: channels, interlocks, recipes
	b, warnings, err := bench.Load(cfg)
	if err != nil {
		return fmt.Errorf("loading bench: %w", err)
	}
	for _, w := range warnings {
		log.Warn("recipe library", "warning", w)
	}
	log.Info("bench loaded",
		"channels", b.Bank.Len(),
		"interlock_rules", len(b.Table.Rules()),
		"recipes", len(b.Library.List()),
	)

	// Relay board
	adapter, err := bench.OpenRelay(cfg, b.Bank, log.Component("relay"), relay.WithWriteOrder(b.Table))
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing relay board")
		if closeErr := adapter.Close(); closeErr != nil {
			log.Error("error closing relay board", "error", closeErr)
		}
	}()
	if err := initialiseBoard(ctx, adapter, log); err != nil {
		return err
	}

	// Run history
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Private registry: run may be called more than once per process.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	checks := map[string]api.HealthChecker{"database": db}
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	auditRepo := audit.NewSQLiteRepository(db.DB)
	opts := run.Options{
		Library:      b.Library,
		Repo:         run.NewSQLiteRepository(db.DB),
		Hub:          hub,
		Audit:        auditRepo,
		Metrics:      run.NewMetrics(reg),
		Logger:       log.Component("run"),
		TickInterval: cfg.TickInterval(),
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected", "broker", mqtt.BrokerURL(cfg.MQTT), "client_id", cfg.MQTT.Broker.ClientID)

		opts.MQTT = mqttClient
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Bench.ID)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		opts.Telemetry = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	ctrl, err := run.NewController(adapter, b.Table, opts)
	if err != nil {
		return fmt.Errorf("creating run controller: %w", err)
	}

	if mqttClient != nil {
		topic := mqtt.Topics{}.RunCommand()
		if subErr := mqttClient.Subscribe(topic, byte(cfg.MQTT.QoS), ctrl.HandleMessage); subErr != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, subErr)
		}
		log.Info("accepting remote commands", "topic", topic)
	}

	// HTTP API
	go hub.Run(ctx)
	srv, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Metrics:     cfg.Metrics,
		BenchID:     cfg.Bench.ID,
		Logger:      log,
		Controller:  ctrl,
		Audit:       auditRepo,
		ExternalHub: hub,
		Gatherer:    reg,
		Registerer:  reg,
		Checks:      checks,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	if cfg.Security.JWT.Secret == "" {
		log.Warn("security.jwt.secret is empty, run control is unauthenticated")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Blocks until ctx is cancelled; an active run is aborted on the way out.
	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("run controller: %w", err)
	}

	log.Info("depositiond stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEPOSITION_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEPOSITION_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// initialiseBoard reads the board back and drives every channel to its
// default so no valve is left open from a previous session.
func initialiseBoard(ctx context.Context, adapter *relay.Adapter, log *logging.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	states, err := adapter.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reading relay board: %w", err)
	}
	log.Info("relay board read back", "state", states.String())

	if errs := adapter.RestoreDefaults(ctx); len(errs) > 0 {
		return fmt.Errorf("restoring relay defaults: %w", errors.Join(errs...))
	}
	return nil
}
