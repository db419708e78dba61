package hub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/steveyegge/rowsync/internal/engine"
)

// feed fans applied changes out to /logs subscribers.
type feed struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[chan []byte]struct{})}
}

func (f *feed) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	f.mu.Lock()
	if f.closed {
		close(ch)
	} else {
		f.subs[ch] = struct{}{}
	}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

// publish never blocks; a subscriber that falls behind misses events.
func (f *feed) publish(msgs []engine.Message) {
	if len(msgs) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		for ch := range f.subs {
			select {
			case ch <- data:
			default:
			}
		}
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}

// handleLogs streams applied changes as server-sent events named "log".
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.feed.subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
