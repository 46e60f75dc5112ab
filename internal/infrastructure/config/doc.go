// Package config handles loading and validating the deposition daemon
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with DEPOSITION_* environment variables
//   - Validation of required fields, reporting every problem at once
//   - Default value handling (a simulated board with integrations off)
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bench.Name)
package config
