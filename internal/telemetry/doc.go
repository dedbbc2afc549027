// Package telemetry distributes the live camera stream.
//
// Delivery is best effort and latest-wins: every hop keeps at most one
// undelivered frame, so a slow viewer sees the newest picture instead of a
// growing backlog. Nothing here touches command processing.
package telemetry
