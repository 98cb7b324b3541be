// Package config provides configuration management for streambroker
// processes.
//
// Configuration is loaded from environment variables using the env package.
// All configuration values have sensible defaults for development use; the
// consumer name defaults to a random UUID so that scaled-out replicas never
// share a name inside a group.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("HTTP server will listen on %s\n", cfg.GetHTTPAddr())
package config
