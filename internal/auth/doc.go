// Package auth verifies bearer tokens for the operator HTTP API.
//
// Tokens are HS256 JWTs whose "scopes" claim lists what the caller may do:
// read state and history, control the vehicle, or watch telemetry.
package auth
