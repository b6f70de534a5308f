/*
Package config provides configuration management for storeroute.

Configuration is layered. Compiled-in defaults come first (NewDefault), a YAML
file is applied on top (LoadFromFile) and STOREROUTE_* environment variables
win over both (LoadFromEnv). Validate must pass before any component is built.

# Sections

	global      log level and format, metrics port
	instance    routing context (host, port) handed to provider factories
	repository  account repository driver (postgres|memory), DSN, query timeout
	providers   S3 region/endpoint, cargoship uploads, Swift auth URL, timeouts
	queue       transport (kafka|memory), topics, consumer group, attempts, delays
	worker      concurrency and per-task timeout
	bridge      scheme, request timeout, retry and circuit breaker for bridge calls
	ledger      task ledger driver (postgres|memory)

# Example

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9102
	instance:
	  host: archive.example.org
	  port: "443"
	repository:
	  driver: postgres
	  dsn: postgres://storeroute@db/accounts?sslmode=disable
	queue:
	  driver: kafka
	  brokers: ["kafka-0:9092", "kafka-1:9092"]
	  max_attempts: 5

# Environment Variables

	STOREROUTE_LOG_LEVEL, STOREROUTE_LOG_FORMAT, STOREROUTE_LOG_FILE
	STOREROUTE_METRICS_PORT
	STOREROUTE_INSTANCE_HOST, STOREROUTE_INSTANCE_PORT
	STOREROUTE_REPOSITORY_DRIVER, STOREROUTE_REPOSITORY_DSN, STOREROUTE_REPOSITORY_QUERY_TIMEOUT
	STOREROUTE_S3_REGION, STOREROUTE_S3_ENDPOINT, STOREROUTE_S3_USE_PATH_STYLE
	STOREROUTE_SWIFT_AUTH_URL
	STOREROUTE_QUEUE_DRIVER, STOREROUTE_QUEUE_BROKERS (comma separated), STOREROUTE_QUEUE_TOPIC
	STOREROUTE_QUEUE_MAX_ATTEMPTS
	STOREROUTE_WORKER_CONCURRENCY
	STOREROUTE_LEDGER_DRIVER, STOREROUTE_LEDGER_DSN
*/
package config
