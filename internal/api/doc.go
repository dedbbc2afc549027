// Package api serves the operator HTTP API under /api/v1.
//
// Every JSON response uses one envelope: {result, data, code, message,
// correlationId}. Commands posted here go through the same dispatcher as
// the TCP protocol, so they are serialized and audited the same way.
package api
