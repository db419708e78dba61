// Package hub is the network front of rowsync.
//
// Each client holds one websocket at /ws/{client}. Requests read from the
// socket are parsed into actions and buffered; a single flush goroutine hands
// the buffer to the engine every BatchInterval and delivers the resulting
// messages back over the sockets. Read-only HTTP endpoints expose the
// snapshot, version, health, a server-sent event feed of applied changes and
// Prometheus metrics.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/journal"
	"github.com/steveyegge/rowsync/internal/schema"
)

// Transport-only message types. They never come out of the engine.
const (
	MessageSnapshot engine.MessageType = "snapshot"
	MessageError    engine.MessageType = "error"
)

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8000")
	Addr string

	// BatchInterval is how often pending actions are reconciled
	BatchInterval time.Duration

	// SendBuffer is the per-client outgoing queue length. A client whose
	// queue fills up is disconnected.
	SendBuffer int

	// Metrics exposes /metrics when true
	Metrics bool

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:          ":8000",
		BatchInterval: 400 * time.Millisecond,
		SendBuffer:    256,
		Metrics:       true,
		Logger:        log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

// Server manages client connections and drives reconciliation passes.
type Server struct {
	engine  *engine.Engine
	journal journal.Journal
	config  *Config

	listener net.Listener
	server   *http.Server

	// Connected clients by id
	clients   map[string]*client
	clientsMu sync.RWMutex

	// Actions waiting for the next pass
	pending   []schema.Action
	pendingMu sync.Mutex

	// flushMu orders passes against client registration so a new client's
	// snapshot and the first pass it sees never overlap.
	flushMu sync.Mutex

	feed *feed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server over eng. A nil journal persists nothing.
func NewServer(eng *engine.Engine, j journal.Journal, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.BatchInterval <= 0 {
		config.BatchInterval = DefaultConfig().BatchInterval
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConfig().SendBuffer
	}
	if j == nil {
		j = journal.Memory()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		engine:  eng,
		journal: j,
		config:  config,
		clients: make(map[string]*client),
		feed:    newFeed(),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the HTTP routes without starting the flush loop.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{client}", s.handleWebSocket)
	mux.HandleFunc("GET /db", s.handleSnapshot)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /logs", s.handleLogs)
	if s.config.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start begins the HTTP server and the flush loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: websockets and /logs stay open indefinitely.
	}

	s.wg.Add(1)
	go s.flushLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s (batch interval %v)", ln.Addr(), s.config.BatchInterval)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client, shuts the HTTP server down and reconciles
// whatever is still pending so it reaches the journal.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")

	// Under flushMu so no client registers between the cancel and Wait.
	s.flushMu.Lock()
	s.cancel()
	s.flushMu.Unlock()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	clientsGauge.Set(0)

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if res, err := s.Flush(ctx); err != nil {
		s.logger.Printf("Final flush failed, %d actions lost: %v", s.PendingCount(), err)
	} else if res != nil {
		s.logger.Printf("Final flush reached version %d", res.Version)
	}

	s.feed.closeAll()
	s.logger.Println("Server stopped")
	return shutdownErr
}

// Submit queues actions for the next pass.
func (s *Server) Submit(actions ...schema.Action) {
	if len(actions) == 0 {
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, actions...)
	n := len(s.pending)
	s.pendingMu.Unlock()
	pendingGauge.Set(float64(n))
}

// CurrentVersion returns the engine's data version. New actions are stamped
// with it.
func (s *Server) CurrentVersion() int64 {
	return s.engine.CurrentVersion()
}

// PendingCount returns the number of actions waiting for a pass.
func (s *Server) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *Server) takePending() []schema.Action {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	batch := s.pending
	s.pending = nil
	pendingGauge.Set(0)
	return batch
}

// requeue puts a batch back ahead of anything submitted since it was taken.
func (s *Server) requeue(batch []schema.Action) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = append(batch, s.pending...)
	pendingGauge.Set(float64(len(s.pending)))
}

// flushLoop runs one pass per tick.
func (s *Server) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Flush(s.ctx); err != nil {
				s.logger.Printf("Pass failed: %v", err)
			}
		}
	}
}

// Flush reconciles everything pending right now and delivers the result. It
// returns nil when nothing was pending. On a lock timeout the batch is
// requeued and the error returned.
func (s *Server) Flush(ctx context.Context) (*engine.Result, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch := s.takePending()
	if len(batch) == 0 {
		return nil, nil
	}

	res, err := s.engine.Apply(ctx, batch, s.liveClients())
	if err != nil {
		if engine.IsTimeout(err) {
			s.requeue(batch)
		}
		return nil, fmt.Errorf("failed to apply %d actions: %w", len(batch), err)
	}

	s.deliver(res)

	if err := s.journal.Record(ctx, res); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	s.feed.publish(res.Changes)

	return res, nil
}

// deliver hands every client its messages, followed by an error message for
// each failed key it touched.
func (s *Server) deliver(res *engine.Result) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for id, msgs := range res.Messages {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		for _, m := range msgs {
			s.sendTo(c, m)
		}
	}

	for _, f := range res.Failures {
		for _, id := range f.Clients {
			if c, ok := s.clients[id]; ok {
				s.sendTo(c, engine.Message{Type: MessageError, Key: f.Key, Version: res.Version, Text: f.Err.Error()})
			}
		}
	}
}

// sendTo queues m on c without blocking. A client that cannot keep up is
// disconnected; its read loop removes it.
func (s *Server) sendTo(c *client, m engine.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}
	if !c.enqueue(data) {
		s.logger.Printf("Client %s is not keeping up, disconnecting", c.id)
		messagesDropped.Inc()
		go c.close(websocket.StatusPolicyViolation, "send queue full")
	}
}

func (s *Server) liveClients() []string {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
