package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/schema"
)

// client is one connected websocket. Writes go through send so a slow
// socket never stalls a pass.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the send queue is full or the client is closed.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// handleWebSocket upgrades /ws/{client}. The id "new" asks the server to
// pick one; the snapshot message carries the assigned id in its key field.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client")
	if id == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}
	if id == "new" {
		id = uuid.NewString()
	}
	if s.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	s.clientsMu.RLock()
	_, taken := s.clients[id]
	s.clientsMu.RUnlock()
	if taken {
		http.Error(w, "client id already connected", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(id, conn, s.config.SendBuffer)

	// Registration and the snapshot happen between passes, so the client
	// sees every pass after the snapshot and none before it. Stop cancels
	// s.ctx under flushMu, so a client registered here is seen by Stop.
	s.flushMu.Lock()
	if s.ctx.Err() != nil {
		s.flushMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clientsMu.Lock()
	if _, taken := s.clients[id]; taken {
		s.clientsMu.Unlock()
		s.flushMu.Unlock()
		_ = conn.Close(websocket.StatusPolicyViolation, "client id already connected")
		return
	}
	s.clients[id] = c
	count := len(s.clients)
	s.clientsMu.Unlock()

	data, version := s.engine.SnapshotVersion()
	snapshot := make(schema.Payload, len(data))
	for k, v := range data {
		snapshot[k] = v
	}
	s.sendTo(c, engine.Message{Type: MessageSnapshot, Key: id, Version: version, Data: snapshot})
	s.wg.Add(1)
	s.flushMu.Unlock()

	clientsGauge.Set(float64(count))
	s.logger.Printf("Client %s connected (total: %d)", id, count)

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop turns incoming requests into pending actions until the socket
// closes. Malformed requests get an error message back and go no further.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		action, err := schema.ParseRequest(data, c.id, s.engine.CurrentVersion())
		if err != nil {
			requestsTotal.WithLabelValues("invalid").Inc()
			s.sendTo(c, engine.Message{Type: MessageError, Version: s.engine.CurrentVersion(), Text: err.Error()})
			continue
		}
		requestsTotal.WithLabelValues(string(action.Kind())).Inc()
		s.Submit(action)
	}
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-s.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client %s: %v", c.id, err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// removeClient drops c if it is still the registered connection for its id.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if current, ok := s.clients[c.id]; ok && current == c {
		delete(s.clients, c.id)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	c.close(websocket.StatusNormalClosure, "")
	clientsGauge.Set(float64(count))
	s.logger.Printf("Client %s disconnected (total: %d)", c.id, count)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
