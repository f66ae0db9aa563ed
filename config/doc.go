// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the proxy configuration structure
// including the listener, the static upstream pool, forwarding timeouts, the
// metrics endpoint, error pages and the access/error log destinations.
package config
