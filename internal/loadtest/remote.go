package loadtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/steveyegge/rowsync/internal/engine"
)

// RemoteOptions configures RunRemote.
type RemoteOptions struct {
	// URL is the server base, e.g. ws://localhost:8000
	URL string
	// Clients is the number of websocket connections
	Clients int
	// RequestsPerClient is how many creates each client sends
	RequestsPerClient int
	// Timeout bounds each round trip
	Timeout time.Duration
}

// RunRemote measures request to broadcast latency against a running server.
// Each client creates records under its own keys and waits for the matching
// add broadcast before sending the next one.
func RunRemote(ctx context.Context, opts RemoteOptions) (*LatencyStats, error) {
	if opts.Clients <= 0 || opts.RequestsPerClient <= 0 {
		return nil, fmt.Errorf("clients and requests must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	base := strings.TrimRight(opts.URL, "/")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var durations []time.Duration
	errorsChan := make(chan error, opts.Clients)

	for i := 0; i < opts.Clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := runRemoteClient(ctx, base, i, opts)
			mu.Lock()
			durations = append(durations, d...)
			mu.Unlock()
			if err != nil {
				errorsChan <- err
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("no round trips completed: %w", firstErr)
	}

	stats := computeLatencyStats(durations)
	stats.Errors = errorCount
	return stats, firstErr
}

func runRemoteClient(ctx context.Context, base string, n int, opts RemoteOptions) ([]time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	conn, _, err := websocket.Dial(dialCtx, base+"/ws/new", nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("client %d failed to connect: %w", n, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(32 << 20) // snapshots can be large

	var snapshot engine.Message
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		return nil, fmt.Errorf("client %d failed to read snapshot: %w", n, err)
	}
	id := snapshot.Key

	durations := make([]time.Duration, 0, opts.RequestsPerClient)
	for j := 0; j < opts.RequestsPerClient; j++ {
		key := fmt.Sprintf("lt-%s-%d", id, j)
		req := map[string]any{
			"type": "add",
			"key":  key,
			"time": time.Now().UnixMilli(),
			"data": map[string]any{"client": id, "seq": j},
		}

		start := time.Now()
		rtCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := roundTrip(rtCtx, conn, req, key)
		cancel()
		if err != nil {
			return durations, fmt.Errorf("client %d request %d failed: %w", n, j, err)
		}
		durations = append(durations, time.Since(start))
	}
	return durations, nil
}

// roundTrip sends req and reads until the add broadcast for key arrives.
func roundTrip(ctx context.Context, conn *websocket.Conn, req map[string]any, key string) error {
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return err
	}
	for {
		var msg engine.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if msg.Key == key {
			if msg.Type == engine.MessageAdd {
				return nil
			}
			return fmt.Errorf("unexpected %s for %s: %s", msg.Type, key, msg.Text)
		}
	}
}
