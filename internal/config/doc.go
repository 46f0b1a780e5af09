// Package config handles configuration loading for wa-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every field has a default, so the gateway also runs with no
// file at all.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WA_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wa-gateway/gateway.yaml
//  3. ~/.config/wa-gateway/gateway.yaml
//
// Files ending in .toml are decoded as TOML.
//
// # Environment Variables
//
// Configuration values can reference environment variables:
//
//	transport:
//	  matrix:
//	    password: "${MATRIX_PASSWORD}"
//
// PORT overrides server.http_addr with ":$PORT". Without it the gateway
// listens on :3001.
//
// # Sections
//
//	server:
//	  http_addr: ":3001"
//	  grpc_addr: ""            # optional grpc.health.v1 endpoint
//
//	transport:
//	  kind: whatsapp           # whatsapp, matrix, loopback
//	  whatsapp:
//	    client_id: "whatsapp-gateway"
//	    store_dir: "/var/lib/wa-gateway"
//	    relink_on_logout: true
//
//	dispatch:
//	  pacing_interval: "1s"    # delay between bulk items
//	  send_timeout: "30s"
//	  idempotency_ttl: "10m"
//
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text, json
//
//	metrics:
//	  enabled: false
//	  path: "/metrics"
//
// Duration values use Go's time.ParseDuration syntax. A zero duration means
// "use the default".
package config
