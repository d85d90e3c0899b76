// Package cmd holds the fedround commands.
//
// # Commands
//
// server: the round coordinator. Serves the round API and, on a separate
// listener, Prometheus metrics.
//
//	go run ./cmd/server --config=server.yaml
//
// client: simulates devices submitting updates and fetching global models.
//
//	go run ./cmd/client --server=http://localhost:8080 --devices=5
//
// # Configuration
//
// The server reads YAML via --config. Flags override file values.
//
//	http_addr: ":8080"
//	metrics_addr: ":8090"
//	cors_origins: []
//	log:
//	  json: false
//	  debug: false
//	keys:
//	  signing_key: ""          # Hex-encoded, generated if empty
//	round:
//	  threshold: 3
//	  iteration_window: 1m
//	  signature_tolerance: 1m
//	  verify_signatures: true
//	  expiry_policy: aggregate # or fail
//	  min_partial: 1
//	  tick_interval: 1s
//	  aggregation_timeout: 30s
//	  history_size: 64
//	registry:
//	  backend: memory          # or postgres
//	  cache_size: 4096
//	  device_ttl: 0s
//	  postgres:
//	    host: localhost
//	    port: 5432
//	    user: postgres
//	    password: ""
//	    database: fedround
//	    sslmode: disable
//	shutdown:
//	  drain: 5s
//	  graceful: 10s
package cmd
