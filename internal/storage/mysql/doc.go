// Package mysql persists retry nonce hints in MySQL. It owns the connection
// pool settings and the embedded schema migrations.
package mysql
