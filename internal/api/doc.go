// Package api exposes the batch signing pipeline over REST: prepare, open,
// gas updates, gas method switches and send, plus the metrics endpoint.
package api
