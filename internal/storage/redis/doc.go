// Package redis keeps retry nonce hints in Redis with a TTL, so every daemon
// replica sees the hint left by a failed broadcast.
package redis
