package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rover-control/rover/internal/logging"
)

// Entry statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// TimestampFormat is the ISO-8601 layout used for entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Entry represents a single command history record.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Command   string                 `json:"command"`
	Status    string                 `json:"status"`
	Response  map[string]interface{} `json:"response,omitempty"`
}

// StorageError reports a failure of the backing store. The in-memory trail
// remains authoritative when one is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Log is a bounded, durable command history.
//
// Every mutation rewrites the whole trail to the store before returning.
// When a write fails the log is marked dirty and Flush retries it.
type Log struct {
	mu         sync.Mutex
	store      Store
	maxEntries int
	entries    []Entry
	dirty      bool
	log        *slog.Logger
	now        func() time.Time
}

// NewLog creates an empty log over the given store. Call Load to restore history.
func NewLog(store Store, maxEntries int, logger *slog.Logger) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if maxEntries < 1 {
		return nil, fmt.Errorf("max entries %d must be at least 1", maxEntries)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Log{
		store:      store,
		maxEntries: maxEntries,
		log:        logger.With("component", "audit"),
		now:        time.Now,
	}, nil
}

// Load replaces the in-memory trail with the stored history.
//
// Absent storage yields an empty trail. Unreadable or non-array content is
// logged and treated as empty. Records missing timestamp, command or status
// are dropped. A trail longer than the limit keeps its newest entries and is
// written back.
func (l *Log) Load(ctx context.Context) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil

	records, err := l.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotArray) {
			l.log.Warn("history has invalid format, starting empty", "error", err)
		} else {
			l.log.Warn("failed to load history, starting empty", "error", err)
		}
		return nil
	}
	if records == nil {
		l.log.Info("no command history found")
		return nil
	}

	entries := make([]Entry, 0, len(records))
	for i, raw := range records {
		entry, err := decodeEntry(raw)
		if err != nil {
			l.log.Warn("skipping malformed history record", "index", i, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	l.entries = entries

	if len(l.entries) > l.maxEntries {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.maxEntries:]...)
		if err := l.persistLocked(ctx, "truncate"); err != nil {
			l.log.Warn("failed to persist truncated history", "error", err)
		}
	}

	l.log.Info("command history loaded", "entries", len(l.entries))
	return l.snapshotLocked()
}

// Record builds an entry stamped with the current time and appends it.
func (l *Log) Record(ctx context.Context, command, status string, response map[string]interface{}) (Entry, error) {
	entry := Entry{
		Timestamp: l.now().Format(TimestampFormat),
		Command:   command,
		Status:    status,
	}
	if len(response) > 0 {
		entry.Response = response
	}
	return entry, l.Append(ctx, entry)
}

// Append adds an entry, evicts the oldest beyond the limit and persists.
// The entry is kept in memory even when persisting fails.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.maxEntries; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return l.persistLocked(ctx, "append")
}

// Recent returns the last min(n, len) entries in insertion order.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || len(l.entries) == 0 {
		return []Entry{}
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// All returns a copy of the whole trail.
func (l *Log) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of entries held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// MaxEntries returns the retention limit.
func (l *Log) MaxEntries() int {
	return l.maxEntries
}

// Clear empties the trail and persists the empty state.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	if err := l.persistLocked(ctx, "clear"); err != nil {
		return err
	}
	l.log.Info("command history cleared")
	return nil
}

// Dirty reports whether the store is behind the in-memory trail.
func (l *Log) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Flush retries a previously failed write. It is a no-op when the store is current.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}
	return l.persistLocked(ctx, "flush")
}

// Close flushes pending state and closes the store.
func (l *Log) Close() error {
	flushErr := l.Flush(context.Background())
	return errors.Join(flushErr, l.store.Close())
}

func (l *Log) persistLocked(ctx context.Context, op string) error {
	if err := l.store.Save(ctx, l.snapshotLocked()); err != nil {
		l.dirty = true
		serr := &StorageError{Op: op, Err: err}
		l.log.Warn("failed to persist command history", "op", op, "error", err)
		return serr
	}
	l.dirty = false
	return nil
}

func (l *Log) snapshotLocked() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// decodeEntry validates one stored record.
func decodeEntry(raw json.RawMessage) (Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Entry{}, fmt.Errorf("record is not an object")
	}

	var entry Entry
	for _, req := range []struct {
		key string
		dst *string
	}{
		{"timestamp", &entry.Timestamp},
		{"command", &entry.Command},
		{"status", &entry.Status},
	} {
		value, ok := fields[req.key]
		if !ok {
			return Entry{}, fmt.Errorf("missing %q", req.key)
		}
		if err := json.Unmarshal(value, req.dst); err != nil {
			return Entry{}, fmt.Errorf("field %q is not a string", req.key)
		}
	}

	if value, ok := fields["response"]; ok {
		var response map[string]interface{}
		if err := json.Unmarshal(value, &response); err == nil && len(response) > 0 {
			entry.Response = response
		}
	}
	return entry, nil
}
