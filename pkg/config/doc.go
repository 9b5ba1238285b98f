// Package config loads seatkeeper configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file named by SEATKEEPER_CONFIG, then SEATKEEPER_*
// environment variables.
//
//	server:
//	  port: "8080"
//	  health_port: "9090"
//	database:
//	  driver: postgres
//	  dsn: postgres://seatkeeper@db/seatkeeper?sslmode=disable
//	rate_limit:
//	  invites_per_window: 50
//	  window: 1h
//	jobs:
//	  schedules:
//	    saga_reconcile: "@every 5m"
//
// Common environment variables:
//
//	SEATKEEPER_DB_DRIVER="sqlite3"  # sqlite3, postgres
//	SEATKEEPER_DB_DSN="seatkeeper.db"
//	SEATKEEPER_REDIS_URL="redis://localhost:6379/0"
//	SEATKEEPER_STRIPE_API_KEY="sk_live_..."
//	SEATKEEPER_LOG_LEVEL="info"  # debug, info, warn, error
//	SEATKEEPER_OTEL_ENABLED="true"
package config
