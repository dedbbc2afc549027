package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rover-control/rover/internal/logging"
)

// ErrStalled means no frame arrived within the receive timeout.
var ErrStalled = errors.New("telemetry: stream stalled")

// PollResult is the outcome of a non-blocking Poll.
type PollResult int

const (
	NoNewFrame PollResult = iota
	FrameReady
	Stalled
)

func (r PollResult) String() string {
	switch r {
	case FrameReady:
		return "frame_ready"
	case Stalled:
		return "stalled"
	default:
		return "no_new_frame"
	}
}

// Receiver keeps the newest incoming frame for a consumer.
type Receiver struct {
	slot    *Slot[Frame]
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastArrival time.Time

	received  atomic.Uint64
	malformed atomic.Uint64
}

// NewReceiver creates a receiver that reports a stall after timeout without frames.
func NewReceiver(timeout time.Duration, logger *slog.Logger) *Receiver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Receiver{
		slot:    NewSlot[Frame](),
		timeout: timeout,
		log:     logger.With("component", "telemetry-receiver"),
		now:     time.Now,
	}
	r.lastArrival = r.now()
	return r
}

// Feed stores f as the newest frame, discarding any unconsumed one.
func (r *Receiver) Feed(f Frame) {
	r.mu.Lock()
	r.lastArrival = r.now()
	r.mu.Unlock()

	r.received.Add(1)
	r.slot.Offer(f)
}

// FeedPayload decodes a wire payload and feeds it. Malformed payloads are counted and ignored.
func (r *Receiver) FeedPayload(payload []byte) {
	f, err := Decode(payload)
	if err != nil {
		r.malformed.Add(1)
		r.log.Debug("ignoring malformed frame", "error", err)
		return
	}
	r.Feed(f)
}

// Receive waits for the next frame. It returns ErrStalled once the timeout
// passes without one, or ctx.Err() if ctx ends first.
func (r *Receiver) Receive(ctx context.Context) (Frame, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	f, err := r.slot.Take(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrStalled
	}
	return f, nil
}

// Poll returns the pending frame without blocking. With nothing pending it
// distinguishes a quiet link from one that has been silent past the timeout.
func (r *Receiver) Poll() (Frame, PollResult) {
	if f, ok := r.slot.TryTake(); ok {
		return f, FrameReady
	}

	r.mu.Lock()
	silent := r.now().Sub(r.lastArrival)
	r.mu.Unlock()

	if silent > r.timeout {
		return nil, Stalled
	}
	return nil, NoNewFrame
}

// Received returns how many frames arrived.
func (r *Receiver) Received() uint64 { return r.received.Load() }

// Dropped returns how many frames were superseded before being consumed.
func (r *Receiver) Dropped() uint64 { return r.slot.Dropped() }

// Malformed returns how many payloads failed to decode.
func (r *Receiver) Malformed() uint64 { return r.malformed.Load() }

// WebSocketFeed pumps a hub connection into a Receiver.
type WebSocketFeed struct {
	conn *websocket.Conn
	done chan struct{}

	mu  sync.Mutex
	err error
}

// DialWebSocket connects to a hub URL and feeds recv until the link closes.
func DialWebSocket(ctx context.Context, url string, header http.Header, recv *Receiver) (*WebSocketFeed, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	feed := &WebSocketFeed{conn: conn, done: make(chan struct{})}
	go feed.pump(recv)
	return feed, nil
}

func (f *WebSocketFeed) pump(recv *Receiver) {
	defer close(f.done)
	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			return
		}
		recv.FeedPayload(payload)
	}
}

// Done is closed when the link ends.
func (f *WebSocketFeed) Done() <-chan struct{} { return f.done }

// Err returns the error that ended the link, if any.
func (f *WebSocketFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return f.err
}

// Close ends the link and waits for the pump to exit.
func (f *WebSocketFeed) Close() error {
	f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := f.conn.Close()
	<-f.done
	return err
}
