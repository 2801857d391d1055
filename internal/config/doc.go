// Package config handles configuration loading for wallboard-gateway.
//
// # Configuration File
//
// Default location (in order):
//
//  1. Path from WALLBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wallboard/gateway.yaml
//  3. ~/.config/wallboard/gateway.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML. Keys are
// the same in both formats.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	database:
//	  dsn: "${WALLBOARD_PG_DSN}"
//
// After the file is parsed, WALLBOARD_* variables override individual fields:
//
//	WALLBOARD_SERVER_HTTP_ADDR
//	WALLBOARD_SERVER_ALLOWED_ORIGINS   (comma separated)
//	WALLBOARD_DB_DRIVER, WALLBOARD_DB_PATH, WALLBOARD_DB_DSN
//	WALLBOARD_GATEWAY_HEARTBEAT_INTERVAL, WALLBOARD_GATEWAY_CLOSE_SUPERSEDED
//	WALLBOARD_GATEWAY_RATE_LIMIT_REQUESTS, WALLBOARD_GATEWAY_RATE_LIMIT_WINDOW
//	WALLBOARD_LOG_LEVEL, WALLBOARD_LOG_FORMAT
//
// Only the prefixed names are read. PATH, FORMAT and similar unprefixed
// variables never reach the config.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:3001"
//	  ws_path: "/ws"
//	  allowed_origins: []
//
//	database:
//	  driver: "sqlite"        # sqlite | postgres | badger | memory
//	  path: "wallboard.db"    # sqlite file or badger directory
//	  dsn: ""                 # postgres only
//
//	gateway:
//	  heartbeat_interval: "30s"
//	  write_timeout: "10s"
//	  pong_wait: "60s"
//	  replay_ttl: "5m"
//	  send_buffer: 64
//	  max_message_bytes: 65536
//	  history_limit: 50
//	  close_superseded: true
//	  rate_limit_requests: 100  # per client IP per window on /api; 0 disables
//	  rate_limit_window: "15m"
//
//	logging:
//	  level: "info"           # debug | info | warn | error
//	  format: "text"          # text | json
//
// Durations use time.ParseDuration syntax.
package config
