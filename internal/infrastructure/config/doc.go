// Package config provides 12-factor configuration for the launcher companion.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags override environment variables.
//
// Configuration Sections:
//   - Server: HTTP API listener (port, host)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting of the HTTP API
//   - Transfer: Progress smoothing and upload defaults
//   - Apps: Installed app data directory and PTY capture
//
// Environment Variables:
//   - PORT, HOST
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - SPEED_UPDATE_INTERVAL, RATE_SMOOTHING
//   - UPLOAD_TIMEOUT, UPLOAD_FIELD_NAME, UPLOAD_METHOD, UPLOAD_MAX_BPS
//   - APP_DATA_DIR, APP_USE_PTY, APP_OUTPUT_BUFFER
package config
