package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/workflow"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	bufferSize = 16
)

// Event is the websocket payload for one state change.
type Event struct {
	SessionID string         `json:"session_id"`
	From      workflow.Phase `json:"from,omitempty"`
	State     workflow.State `json:"state"`
}

type subscriber struct {
	send chan []byte
}

// Hub pushes workflow transitions to websocket clients watching a capture session.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub builds a hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool, logger *zap.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger.Named("events"),
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// Publish implements usecase.Publisher. Slow clients lose messages instead of
// blocking the workflow.
func (h *Hub) Publish(t workflow.Transition) {
	msg, err := json.Marshal(Event{SessionID: t.WorkflowID, From: t.From.Phase, State: t.To})
	if err != nil {
		h.logger.Error("failed to marshal transition", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[t.WorkflowID] {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("subscriber buffer full, dropping event", zap.String("session_id", t.WorkflowID))
		}
	}
}

// Subscribers returns how many clients watch a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Serve upgrades the request and streams the session's events, starting with
// the current state. It returns when the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string, current workflow.State) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{send: make(chan []byte, bufferSize)}
	if initial, err := json.Marshal(Event{SessionID: sessionID, State: current}); err == nil {
		sub.send <- initial
	}
	h.register(sessionID, sub)
	defer h.unregister(sessionID, sub)

	closed := make(chan struct{})
	go h.readPump(conn, closed)
	h.writePump(conn, sub, closed)
	return nil
}

func (h *Hub) register(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.logger.Debug("websocket client connected", zap.String("session_id", sessionID), zap.Int("total", len(h.subs[sessionID])))
}

func (h *Hub) unregister(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sessionID], sub)
	if len(h.subs[sessionID]) == 0 {
		delete(h.subs, sessionID)
	}
	h.logger.Debug("websocket client disconnected", zap.String("session_id", sessionID))
}

// readPump only watches for the close frame and pong replies.
func (h *Hub) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *subscriber, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-closed:
			return
		case msg := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("error writing to websocket client", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
