package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rover-control/rover/internal/command"
	"github.com/rover-control/rover/internal/logging"
	"github.com/rover-control/rover/internal/motion"
)

// MaxLineLength is the longest accepted request line, excluding the newline.
const MaxLineLength = 4096

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("protocol: server closed")

// Options configures a Server.
type Options struct {
	AllowedCIDRs   []string
	MaxConnections int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Server accepts newline-framed command connections.
//
// Each line is one request; each request gets exactly one JSON reply line,
// written in request order. Commands from all connections funnel into the
// shared handler, which serializes them.
type Server struct {
	handler  command.Handler
	opts     Options
	allowed  []*net.IPNet
	log      *slog.Logger
	listener net.Listener

	mu      sync.Mutex
	conns   map[string]*session
	wg      sync.WaitGroup
	closing atomic.Bool
}

// session tracks whether a connection is waiting for input.
type session struct {
	id   string
	conn net.Conn

	mu   sync.Mutex
	idle bool
}

// NewServer creates a server for the given handler.
func NewServer(handler command.Handler, opts Options) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("command handler is required")
	}
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 8
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	var allowed []*net.IPNet
	for _, cidr := range opts.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
		allowed = append(allowed, network)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Server{
		handler: handler,
		opts:    opts,
		allowed: allowed,
		log:     logger.With("component", "protocol"),
		conns:   make(map[string]*session),
	}, nil
}

// Listen binds the listening socket without accepting yet.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info("command server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown. It returns ErrServerClosed after a clean shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("protocol: Serve called before Listen")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.log.Warn("failed to accept connection", "error", err)
			continue
		}

		// Check if connection is from allowed CIDR
		if !s.isAllowedConnection(conn) {
			s.log.Warn("rejected connection, not in allowed CIDRs", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		sess, ok := s.register(conn)
		if !ok {
			s.log.Warn("rejected connection, limit reached", "remote", conn.RemoteAddr().String(), "max", s.opts.MaxConnections)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(sess)
	}
}

// Shutdown stops accepting, closes idle connections and waits for
// in-flight exchanges to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, sess := range s.conns {
		sess.mu.Lock()
		if sess.idle {
			sess.conn.Close()
		}
		sess.mu.Unlock()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Force remaining connections closed
		s.mu.Lock()
		for _, sess := range s.conns {
			sess.conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// ActiveConnections returns the number of open sessions.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) register(conn net.Conn) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.conns) >= s.opts.MaxConnections {
		return nil, false
	}
	sess := &session{id: uuid.NewString(), conn: conn}
	s.conns[sess.id] = sess
	return sess, true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.conns, sess.id)
	s.mu.Unlock()
}

// handleConnection serves requests on one connection in order.
func (s *Server) handleConnection(sess *session) {
	defer s.wg.Done()
	defer s.unregister(sess)
	defer sess.conn.Close()

	log := s.log.With("conn", sess.id, "remote", sess.conn.RemoteAddr().String())
	log.Info("client connected")

	reader := bufio.NewReaderSize(sess.conn, MaxLineLength+2)
	encoder := json.NewEncoder(sess.conn)

	for {
		if !s.markIdle(sess) {
			log.Debug("closing connection for shutdown")
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))

		line, err := readLine(reader)
		if err != nil {
			switch {
			case errors.Is(err, errLineTooLong):
				log.Warn("request line too long, closing")
				s.writeReply(sess, encoder, s.transportError(fmt.Sprintf("request exceeds %d bytes", MaxLineLength)))
			case isTimeout(err):
				log.Info("client idle timeout")
			case errors.Is(err, io.EOF) || s.closing.Load():
				log.Info("client disconnected")
			default:
				log.Debug("read failed", "error", err)
			}
			return
		}

		sess.mu.Lock()
		sess.idle = false
		sess.mu.Unlock()

		reply := s.handler.Handle(context.Background(), line)
		if err := s.writeReply(sess, encoder, reply); err != nil {
			log.Warn("failed to write reply", "error", err)
			return
		}
	}
}

// markIdle flags the session as waiting for input. It returns false once shutdown has begun.
func (s *Server) markIdle(sess *session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	sess.idle = true
	return true
}

func (s *Server) writeReply(sess *session, encoder *json.Encoder, reply command.Reply) error {
	sess.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return encoder.Encode(reply)
}

// transportError builds the reply sent before closing a faulty connection.
func (s *Server) transportError(msg string) command.Reply {
	reply := command.Reply{Status: "error", Error: msg}
	if sp, ok := s.handler.(interface{ State() motion.State }); ok {
		reply.Speed = sp.State().Speed
	}
	return reply
}

// isAllowedConnection checks if the connection is from an allowed CIDR.
// An empty allow-list admits everyone.
func (s *Server) isAllowedConnection(conn net.Conn) bool {
	if len(s.allowed) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	clientIP := net.ParseIP(host)
	if clientIP == nil {
		return false
	}

	for _, network := range s.allowed {
		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}

var errLineTooLong = errors.New("request line too long")

// readLine returns the next line without its terminator. An over-long line
// is consumed up to its newline before errLineTooLong is returned, so the
// peer sees the error reply rather than a reset.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	if err != nil {
		return "", err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > MaxLineLength {
		return "", errLineTooLong
	}
	return string(line), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
