// Package config loads batchsignerd configuration from a file plus
// BATCHSIGNER_* environment overrides.
package config
