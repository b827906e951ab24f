// Package config loads the satbridge configuration.
//
// Configuration is built in layers: compiled-in defaults, then each file
// added to the Loader (JSON or YAML, later files override earlier ones key by
// key), then SATBRIDGE_* environment variables. Duration values may be given
// as Go duration strings ("15s", "2m") or in days ("7d").
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/satbridge/satbridge.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Sections
//
//	upstream  credentials, account and stream request settings
//	sinks     clickhouse, influxdb, nats and prometheus; an absent section disables the sink
//	pipeline  publish/poll retry, halt_action and min_cycle_interval
//	spool     backend (none, file, redis, nats) for the unacknowledged batch
//	server    port and path of the metrics and operator endpoint; port 0 disables it
//	tls       CA files, client certificate and minimum version for outbound connections
//
// # Environment Overrides
//
//	SATBRIDGE_UPSTREAM_CLIENT_ID, SATBRIDGE_UPSTREAM_CLIENT_SECRET,
//	SATBRIDGE_UPSTREAM_ACCOUNT, SATBRIDGE_UPSTREAM_TOKEN_URL,
//	SATBRIDGE_UPSTREAM_STREAM_URL, SATBRIDGE_UPSTREAM_BATCH_SIZE,
//	SATBRIDGE_SINKS_CLICKHOUSE_URL, SATBRIDGE_SINKS_CLICKHOUSE_PASSWORD,
//	SATBRIDGE_SINKS_INFLUXDB_URL, SATBRIDGE_SINKS_INFLUXDB_TOKEN,
//	SATBRIDGE_SINKS_NATS_URL, SATBRIDGE_PIPELINE_HALT_ACTION,
//	SATBRIDGE_SPOOL_BACKEND, SATBRIDGE_SPOOL_PATH, SATBRIDGE_SPOOL_REDIS_URL,
//	SATBRIDGE_SPOOL_NATS_URL, SATBRIDGE_SERVER_PORT
//
// Setting a sink URL through the environment enables that sink even when no
// file configures it.
//
// # Validation
//
// Validate stops at the first problem. Missing required keys wrap
// errors.ErrMissingConfig and name the key; malformed values wrap
// errors.ErrInvalidConfig. At least one sink must be enabled.
//
// # Security
//
// Config files must have a .json, .yaml or .yml extension, be regular files
// no larger than 10MB, and JSON files may nest at most 100 levels deep.
package config
