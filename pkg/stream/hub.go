package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus-core/pkg/config"
)

// Sentinel errors.
var (
	// ErrSessionNotFound indicates an unknown or expired session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidReconnectToken indicates a reconnect token that does not
	// match or has already been consumed.
	ErrInvalidReconnectToken = errors.New("invalid reconnect token")
)

// Hub is the fan-out registry. Each process runs one Hub instance.
type Hub struct {
	cfg *config.StreamConfig

	mu       sync.RWMutex
	sessions map[string]*Session

	// rooms: room key → set of session IDs
	roomMu sync.RWMutex
	rooms  map[string]map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	droppedTotal  prometheus.Counter
	sessionsGauge prometheus.Gauge
	framesTotal   prometheus.Counter
}

// NewHub creates a hub. reg may be nil to skip metrics registration (tests).
func NewHub(cfg *config.StreamConfig, reg prometheus.Registerer) *Hub {
	h := &Hub{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]bool),
		stopCh:   make(chan struct{}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_stream_dropped_frames_total",
			Help: "Frames dropped on the slow path under backpressure.",
		}),
		sessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_stream_sessions",
			Help: "Number of registered stream sessions.",
		}),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_stream_frames_total",
			Help: "Frames enqueued for delivery.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.droppedTotal, h.sessionsGauge, h.framesTotal)
	}
	return h
}

// Start launches the ping and hygiene sweep loops.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.runPing(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.runSweep(ctx)
	}()
}

// Stop terminates background loops and closes every session.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	// Sessions close before the wait: each write loop exits on its
	// session's closed channel.
	for _, s := range sessions {
		h.removeSession(s)
	}
	h.wg.Wait()
}

// CreateSession registers a subscriber and sends the welcome frame carrying
// the session ID, one-shot reconnect token, and server capabilities.
func (h *Hub) CreateSession(ctx context.Context, conn Conn) *Session {
	s := newSession(uuid.New().String(), uuid.New().String(), conn, h.cfg.BufferSize)

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.sessionsGauge.Inc()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writeLoop(ctx, h.cfg.WriteTimeout, h.cfg.FlushInterval)
	}()

	s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
		"type":            EventWelcome,
		"session_id":      s.ID,
		"reconnect_token": s.ReconnectToken,
		"capabilities":    []string{"subscribe", "unsubscribe", "reconnect", "ping"},
		"timestamp":       time.Now().Format(time.RFC3339Nano),
	})
	return s
}

// Subscribe joins the session to the room for (type, resourceID).
func (h *Hub) Subscribe(sessionID string, typ SubscriptionType, resourceID string, filters []string) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	room := RoomFor(typ, resourceID)
	now := time.Now()

	s.mu.Lock()
	s.subscriptions[room] = &Subscription{
		Type:         typ,
		ResourceID:   resourceID,
		Filters:      filters,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.mu.Unlock()

	h.roomMu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][sessionID] = true
	h.roomMu.Unlock()

	return nil
}

// Unsubscribe removes the session's membership in the given room.
func (h *Hub) Unsubscribe(sessionID string, typ SubscriptionType, resourceID string) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	room := RoomFor(typ, resourceID)
	s.mu.Lock()
	delete(s.subscriptions, room)
	s.mu.Unlock()

	h.leaveRoom(room, sessionID)
	return nil
}

func (h *Hub) leaveRoom(room, sessionID string) {
	h.roomMu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.roomMu.Unlock()
}

// Reconnect restores a disconnected session onto a new transport. The
// reconnect token is one-shot: it is rotated on success.
func (h *Hub) Reconnect(ctx context.Context, conn Conn, oldSessionID, token string) (*Session, error) {
	h.mu.Lock()
	s, ok := h.sessions[oldSessionID]
	if !ok || s.ReconnectToken != token {
		h.mu.Unlock()
		return nil, ErrInvalidReconnectToken
	}
	s.ReconnectToken = uuid.New().String()
	h.mu.Unlock()

	s.attach(conn)
	s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
		"type":            EventWelcome,
		"session_id":      s.ID,
		"reconnect_token": s.ReconnectToken,
		"resumed":         true,
		"subscriptions":   s.SubscriptionCount(),
		"timestamp":       time.Now().Format(time.RFC3339Nano),
	})
	return s, nil
}

// StreamToTask delivers an event to the task's room.
func (h *Hub) StreamToTask(taskID, eventType string, data map[string]any) {
	h.publish(TaskRoom(taskID), eventType, data)
}

// StreamToAgent delivers an event to the agent's room.
func (h *Hub) StreamToAgent(agentID, eventType string, data map[string]any) {
	h.publish(AgentRoom(agentID), eventType, data)
}

// Broadcast delivers an event to every session subscribed to the global room.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	h.publish(GlobalRoom, eventType, data)
}

// publish fans a frame out to every room member via its bounded buffer.
// Frames to the same room preserve per-sender order; a slow subscriber
// drops frames rather than stalling the sender.
func (h *Hub) publish(room, eventType string, data map[string]any) {
	frame := Frame{
		Type:      eventType,
		Room:      room,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal stream frame", "room", room, "type", eventType, "error", err)
		return
	}

	h.roomMu.RLock()
	memberIDs := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		memberIDs = append(memberIDs, id)
	}
	h.roomMu.RUnlock()

	if len(memberIDs) == 0 {
		return
	}

	h.mu.RLock()
	members := make([]*Session, 0, len(memberIDs))
	for _, id := range memberIDs {
		if s, ok := h.sessions[id]; ok {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range members {
		h.framesTotal.Inc()
		dropped, signal := s.enqueue(payload, h.cfg.BackpressureThreshold)
		if dropped {
			h.droppedTotal.Inc()
		}
		if signal {
			h.notifyBackpressure(s, room)
		}
		s.mu.Lock()
		if sub, ok := s.subscriptions[room]; ok {
			sub.LastActivity = time.Now()
		}
		s.mu.Unlock()
	}
}

// notifyBackpressure enqueues a single backpressure notice; it rides the
// normal buffer so it is delivered once the subscriber drains.
func (h *Hub) notifyBackpressure(s *Session, room string) {
	notice, _ := json.Marshal(Frame{
		Type:      EventBackpressure,
		Room:      room,
		Data:      map[string]any{"dropped": s.Dropped()},
		Timestamp: time.Now().Format(time.RFC3339Nano),
	})
	select {
	case s.buffer <- notice:
	default:
	}
}

// HandleConnection runs the read loop for one WebSocket connection. Blocks
// until the connection closes; the session survives for the grace window.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var s *Session

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid stream client message", "error", err)
			continue
		}

		if s == nil {
			// First message may be a reconnect; anything else creates a session.
			if msg.Action == "reconnect" {
				restored, rerr := h.Reconnect(connCtx, conn, msg.OldSessionID, msg.ReconnectToken)
				if rerr != nil {
					s = h.CreateSession(connCtx, conn)
				} else {
					s = restored
				}
				continue
			}
			s = h.CreateSession(connCtx, conn)
		}

		h.handleClientMessage(connCtx, s, &msg)
	}

	if s != nil {
		s.markDisconnected()
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, s *Session, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		typ := SubscriptionType(msg.Type)
		if err := h.Subscribe(s.ID, typ, msg.ResourceID, msg.Filters); err != nil {
			s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
				"type": "error", "message": err.Error(),
			})
			return
		}
		s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
			"type": EventSubscribed, "room": RoomFor(typ, msg.ResourceID),
		})
	case "unsubscribe":
		typ := SubscriptionType(msg.Type)
		_ = h.Unsubscribe(s.ID, typ, msg.ResourceID)
		s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
			"type": EventUnsubscribed, "room": RoomFor(typ, msg.ResourceID),
		})
	case "ping":
		s.mu.Lock()
		s.lastPing = time.Now()
		s.mu.Unlock()
		s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{"type": EventPong})
	case "reconnect":
		// Reconnect on an already-established session is a no-op.
	default:
		s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
			"type": "error", "message": "unknown action: " + msg.Action,
		})
	}
}

// runPing pings connected sessions on the configured interval.
func (h *Hub) runPing(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			sessions := make([]*Session, 0, len(h.sessions))
			for _, s := range h.sessions {
				sessions = append(sessions, s)
			}
			h.mu.RUnlock()
			for _, s := range sessions {
				s.sendDirect(ctx, h.cfg.WriteTimeout, map[string]any{
					"type": "ping", "timestamp": time.Now().Format(time.RFC3339Nano),
				})
			}
		}
	}
}

// runSweep evicts idle subscriptions and expired disconnected sessions.
func (h *Hub) runSweep(ctx context.Context) {
	// Sweep at a fraction of the smallest TTL so expiry latency stays low.
	interval := h.cfg.SessionGrace / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

// sweep applies the hygiene policy at the given instant.
func (h *Hub) sweep(now time.Time) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		expired := s.disconnected != nil && now.Sub(*s.disconnected) > h.cfg.SessionGrace
		var idleRooms []string
		for room, sub := range s.subscriptions {
			if now.Sub(sub.LastActivity) > h.cfg.SubscriptionIdleTTL {
				idleRooms = append(idleRooms, room)
			}
		}
		for _, room := range idleRooms {
			delete(s.subscriptions, room)
		}
		s.mu.Unlock()

		for _, room := range idleRooms {
			h.leaveRoom(room, s.ID)
			slog.Debug("Evicted idle subscription", "session_id", s.ID, "room", room)
		}

		if expired {
			h.removeSession(s)
			slog.Debug("Removed expired session", "session_id", s.ID)
		}
	}
}

// removeSession tears down a session and all its room memberships.
func (h *Hub) removeSession(s *Session) {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.subscriptions))
	for room := range s.subscriptions {
		rooms = append(rooms, room)
	}
	s.subscriptions = make(map[string]*Subscription)
	conn := s.conn
	s.mu.Unlock()

	for _, room := range rooms {
		h.leaveRoom(room, s.ID)
	}

	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; ok {
		delete(h.sessions, s.ID)
		h.sessionsGauge.Dec()
	}
	h.mu.Unlock()

	s.close()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomMembers returns the number of sessions subscribed to a room.
func (h *Hub) RoomMembers(room string) int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.rooms[room])
}
