// Package protocol carries motion commands over TCP.
//
// A request is one line of text holding a command token; the reply is one
// line of JSON {"status","command","speed"[,"error"]}. Connections may send
// any number of requests; replies come back in request order.
package protocol
