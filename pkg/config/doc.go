// Package config loads and validates the server configuration.
//
// Configuration is a YAML file with sections for the HTTP surface, the TCP
// listener, the WebSocket and GraphQL endpoints, the pub/sub adapter,
// authentication, and logging. A file may pull in fragments with include
// globs; fragments merge beneath the including file's own values.
//
// Validation happens in two layers: a JSON schema rejects structural
// problems (unknown keys, wrong types, out-of-range values) and
// Config.Validate checks cross-field rules. RELAYD_* environment variables
// override individual keys after decoding.
package config
