package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Conn is the transport a session writes to. Satisfied by *websocket.Conn;
// tests substitute an in-memory recorder.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Subscription is one room membership owned by a session.
type Subscription struct {
	Type         SubscriptionType `json:"type"`
	ResourceID   string           `json:"resource_id"`
	Filters      []string         `json:"filters,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// Session is one connected (or recently disconnected) subscriber.
//
// The outbound path is a bounded buffer drained by a single writer
// goroutine; producers never block on the socket. Writes beyond the
// backpressure threshold drop the frame, count it, and emit a backpressure
// notice on the next successful flush.
type Session struct {
	ID             string
	ReconnectToken string

	mu            sync.Mutex
	conn          Conn
	subscriptions map[string]*Subscription // room key → subscription
	lastPing      time.Time
	disconnected  *time.Time
	dropped       int64
	bpSignalled   bool

	buffer chan []byte
	closed chan struct{}
	once   sync.Once
}

func newSession(id, token string, conn Conn, bufferSize int) *Session {
	return &Session{
		ID:             id,
		ReconnectToken: token,
		conn:           conn,
		subscriptions:  make(map[string]*Subscription),
		lastPing:       time.Now(),
		buffer:         make(chan []byte, bufferSize),
		closed:         make(chan struct{}),
	}
}

// SubscriptionCount returns the number of live room memberships.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// Dropped returns the count of frames dropped under backpressure.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue places a frame on the outbound buffer. Beyond the backpressure
// threshold the frame is dropped and counted; the caller decides whether to
// emit a backpressure notice.
func (s *Session) enqueue(data []byte, threshold int) (dropped bool, signal bool) {
	select {
	case <-s.closed:
		return true, false
	default:
	}

	if len(s.buffer) >= threshold {
		s.mu.Lock()
		s.dropped++
		signal = !s.bpSignalled
		s.bpSignalled = true
		s.mu.Unlock()
		return true, signal
	}

	select {
	case s.buffer <- data:
		return false, false
	default:
		// Buffer filled between the check and the send.
		s.mu.Lock()
		s.dropped++
		signal = !s.bpSignalled
		s.bpSignalled = true
		s.mu.Unlock()
		return true, signal
	}
}

// writeLoop drains the buffer to the socket until the session closes.
// flushInterval paces the drain so bursts are coalesced into one wake-up.
func (s *Session) writeLoop(ctx context.Context, writeTimeout, flushInterval time.Duration) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx, writeTimeout)
		}
	}
}

// flush writes every buffered frame. On write failure the session is left
// for the disconnect path to clean up.
func (s *Session) flush(ctx context.Context, writeTimeout time.Duration) {
	for {
		select {
		case data := <-s.buffer:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("Session write failed", "session_id", s.ID, "error", err)
				return
			}
			s.mu.Lock()
			s.bpSignalled = false
			s.mu.Unlock()
		default:
			return
		}
	}
}

// sendDirect bypasses the buffer for control frames (welcome, pong).
func (s *Session) sendDirect(ctx context.Context, writeTimeout time.Duration, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("Session control write failed", "session_id", s.ID, "error", err)
	}
}

// markDisconnected detaches the transport, retaining subscriptions for the
// reconnect grace window.
func (s *Session) markDisconnected() {
	now := time.Now()
	s.mu.Lock()
	s.conn = nil
	s.disconnected = &now
	s.mu.Unlock()
}

// attach rebinds a transport after reconnect.
func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.disconnected = nil
	s.lastPing = time.Now()
	s.mu.Unlock()
}

// close shuts the outbound path exactly once.
func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}
