// Package config loads daemon and CLI configuration from GATEKEEPER_*
// environment variables.
//
// Database:
//
//	GATEKEEPER_DB_DRIVER="postgres"   # postgres or sqlite3
//	GATEKEEPER_DB_URL="postgres://localhost/gatekeeper?sslmode=disable"
//	GATEKEEPER_DB_MAX_OPEN_CONNS="20"
//
// Decision cache:
//
//	GATEKEEPER_CACHE_BACKEND="redis"  # memory, redis or none
//	GATEKEEPER_CACHE_TTL="5m"
//	GATEKEEPER_CACHE_MAX_ENTRIES="100000"
//	GATEKEEPER_REDIS_URL="redis://localhost:6379/0"
//
// Audit:
//
//	GATEKEEPER_AUDIT_ALLOWED_SAMPLE_RATE="0.1"
//	GATEKEEPER_AUDIT_FILE_DIR="/var/log/gatekeeper/audit"
//	GATEKEEPER_ARCHIVE_BUCKET="gatekeeper-audit"
//	GATEKEEPER_ARCHIVE_SCHEDULE="@daily"
//
// Engine and bootstrap:
//
//	GATEKEEPER_LOCK_TIMEOUT="10s"
//	GATEKEEPER_SWEEP_SCHEDULE="@every 1m"
//	GATEKEEPER_SEED_FILE="/etc/gatekeeper/seed.yaml"
//	GATEKEEPER_SEED_WATCH="true"
//
// Observability:
//
//	GATEKEEPER_LOG_LEVEL="info"
//	GATEKEEPER_HEALTH_PORT="9090"
//	GATEKEEPER_OTEL_ENABLED="true"
//	GATEKEEPER_OTEL_ENDPOINT="otel-collector:4317"
//
// Unparseable values fall back to their defaults; LoadConfig then runs
// Validate.
package config
