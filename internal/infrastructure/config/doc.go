// Package config handles loading and validating rolekeeper configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, secrets, tokens) should be set via
//     environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//   - Credential and API secrets must be at least 32 characters
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Roles.Allowed)
package config
