// Package config handles loading and validating teleop-core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with TELEOP_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (JWT secret, payment API key, broker passwords) should
//     be set via environment variables
//   - An empty auth.jwt_secret puts the API in development mode; never deploy
//     that way
//
// Usage:
//
//	cfg, err := config.Load("configs/teleop.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Service.Name)
//
// Load("") skips the file and returns defaults plus environment overrides.
package config
