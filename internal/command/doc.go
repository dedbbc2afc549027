// Package command parses motion commands and dispatches them one at a time.
//
// The Orchestrator is shared by every transport (TCP line protocol, HTTP
// API). It owns a single worker goroutine, so commands are strictly
// serialized: validate, actuate, audit, reply. Invalid content produces an
// error reply and an audit entry; it never fails the exchange.
package command
