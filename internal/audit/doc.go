// Package audit implements the bounded command history of the rover.
//
// Every processed command, accepted or rejected, is appended with its
// timestamp, status and optional response payload. The trail keeps at most
// max_entries records, evicting the oldest first, and is rewritten in full
// after each mutation so a restart reloads the exact trail. Two stores are
// provided: a JSON array file (the default layout) and a SQLite table.
package audit
