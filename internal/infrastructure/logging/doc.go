// Package logging provides structured logging for the deposition daemon.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version, bench) and the same level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version, slog.String("bench", cfg.Bench.ID))
//	logger.Component("sequencer").Info("run started", "recipe", "ALD")
//
// Never log secrets such as the JWT secret or the InfluxDB token.
package logging
