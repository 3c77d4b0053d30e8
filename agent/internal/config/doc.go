// Package config loads and watches the loggy-agent configuration file.
//
// Top-level types:
//   - Config: endpoint, api_key_env, data_dir, application, timing knobs
//     (health_interval, settle_delay, connect_timeout), stream_buffer,
//     compression, backoff, auth, log, ingest
//   - BackoffConfig: policy (linear|exponential), step, max, max_attempts
//   - AuthConfig: mode (mtls|apikey|none), cert/key/ca files
//   - LogConfig: level (debug|info|warn|error), format (json|text)
//
// Load(path) reads YAML, or TOML when the file ends in .toml, applies
// defaults (2s health poll, 750ms settle delay, stream buffer 10, linear 2s
// backoff), then validates required fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It watches the parent directory so
// the rename→create pattern used by atomic-save editors keeps working.
package config
