// Package auth guards the batch API with static bearer tokens. Tokens are
// kept as SHA-256 digests and carry batch:read, batch:write or batch:send.
package auth
