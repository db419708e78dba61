// Package loadtest drives the engine with many concurrent simulated clients.
//
// It checks the properties that matter under contention: every pass gets its
// own version with no gaps, readers never see a half-applied pass, and pass
// latency stays low while the lock is contended.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/schema"
	"github.com/steveyegge/rowsync/internal/store"
)

// Harness is an engine seeded with generated records.
type Harness struct {
	Engine     *engine.Engine
	Keys       []string
	NumRecords int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalPasses int
	Errors      int
	Durations   []time.Duration
}

// Options configures RunConcurrentPasses.
type Options struct {
	// Clients is the number of simulated clients
	Clients int
	// PassesPerClient is how many batches each client submits
	PassesPerClient int
	// ActionsPerPass is the batch size
	ActionsPerPass int
	// Seed makes the generated workload reproducible
	Seed int64
}

// Report summarizes a concurrent run.
type Report struct {
	Latency      *LatencyStats
	FirstVersion int64
	FinalVersion int64
	Conflicts    int
	Failures     int
	Records      int
}

// NewHarness creates an engine holding numRecords generated records.
func NewHarness(numRecords int, config *engine.Config) *Harness {
	seeds := generateSeeds(numRecords)
	keys := make([]string, len(seeds))
	for i, s := range seeds {
		keys[i] = s.Key
	}
	return &Harness{
		Engine:     engine.New(store.New(seeds), config),
		Keys:       keys,
		NumRecords: numRecords,
	}
}

// generateSeeds creates records with a small, realistic payload.
func generateSeeds(count int) []schema.Seed {
	seeds := make([]schema.Seed, count)
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("rec-%05d", i)
		seeds[i] = schema.Seed{
			Key: key,
			Payload: schema.Payload{
				"name":  fmt.Sprintf("Record %d", i),
				"count": i,
				"tags":  []any{"loadtest", fmt.Sprintf("batch-%d", i/100)},
			},
		}
	}
	return seeds
}

// generateBatch builds a mixed batch: roughly 60% edits, 20% creates and 20%
// deletes, concentrated on a few hot keys so conflicts actually happen.
func (h *Harness) generateBatch(rng *rand.Rand, client string, version int64, size int) []schema.Action {
	batch := make([]schema.Action, 0, size)
	hot := len(h.Keys) / 10
	if hot == 0 {
		hot = len(h.Keys)
	}
	for i := 0; i < size; i++ {
		var key string
		if rng.Intn(2) == 0 && hot > 0 {
			key = h.Keys[rng.Intn(hot)]
		} else if len(h.Keys) > 0 {
			key = h.Keys[rng.Intn(len(h.Keys))]
		} else {
			key = fmt.Sprintf("rec-%05d", i)
		}

		meta := schema.Meta{Key: key, ClientID: client, RequestVersion: version, IssuedAt: time.Now()}
		switch n := rng.Intn(10); {
		case n < 6:
			batch = append(batch, schema.Edit{Meta: meta, Field: "count", Value: rng.Intn(1000)})
		case n < 8:
			batch = append(batch, schema.Create{Meta: meta, Payload: schema.Payload{"name": key, "count": 0}})
		default:
			batch = append(batch, schema.Delete{Meta: meta})
		}
	}
	return batch
}

// RunConcurrentPasses has every simulated client apply its own batches while
// all of them are live. It fails if any two passes share a version or the
// versions leave a gap.
func (h *Harness) RunConcurrentPasses(ctx context.Context, opts Options) (*Report, error) {
	if opts.Clients <= 0 || opts.PassesPerClient <= 0 || opts.ActionsPerPass <= 0 {
		return nil, fmt.Errorf("clients, passes and actions must all be positive")
	}

	clients := make([]string, opts.Clients)
	for i := range clients {
		clients[i] = fmt.Sprintf("client-%03d", i)
	}

	first := h.Engine.CurrentVersion()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var durations []time.Duration
	var versions []int64
	var conflicts, failures int
	errorsChan := make(chan error, opts.Clients)

	for i, client := range clients {
		wg.Add(1)
		go func(i int, client string) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))

			for j := 0; j < opts.PassesPerClient; j++ {
				batch := h.generateBatch(rng, client, h.Engine.CurrentVersion(), opts.ActionsPerPass)

				start := time.Now()
				res, err := h.Engine.Apply(ctx, batch, clients)
				elapsed := time.Since(start)
				if err != nil {
					errorsChan <- fmt.Errorf("%s pass %d failed: %w", client, j, err)
					return
				}

				mu.Lock()
				durations = append(durations, elapsed)
				versions = append(versions, res.Version)
				conflicts += len(res.Conflicts)
				failures += len(res.Failures)
				mu.Unlock()
			}
		}(i, client)
	}

	wg.Wait()
	close(errorsChan)

	errorCount := 0
	var firstErr error
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("no successful passes completed: %w", firstErr)
	}

	if err := checkVersions(versions, first); err != nil {
		return nil, err
	}

	stats := computeLatencyStats(durations)
	stats.Errors = errorCount

	_, final, _ := h.Engine.Records()
	return &Report{
		Latency:      stats,
		FirstVersion: first,
		FinalVersion: final,
		Conflicts:    conflicts,
		Failures:     failures,
		Records:      len(h.Engine.Snapshot()),
	}, firstErr
}

// checkVersions verifies passes produced exactly first+1 .. first+len.
func checkVersions(versions []int64, first int64) error {
	sorted := append([]int64(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, v := range sorted {
		if want := first + int64(i) + 1; v != want {
			return fmt.Errorf("version sequence broken: expected %d, got %d", want, v)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        mean,
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalPasses: len(durations),
		Durations:   sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Passes:  %d\n", s.TotalPasses)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// VerifyNoRaceConditions runs readers against a steady stream of passes for
// duration. Readers must see versions that never go backwards and snapshots
// in which every record has a payload.
func (h *Harness) VerifyNoRaceConditions(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		for ctx.Err() == nil {
			batch := h.generateBatch(rng, "writer", h.Engine.CurrentVersion(), 8)
			if _, err := h.Engine.Apply(context.Background(), batch, []string{"writer"}); err != nil {
				errorsChan <- fmt.Errorf("writer pass failed: %w", err)
				return
			}
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()

			var last int64
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				snapshot, version := h.Engine.SnapshotVersion()
				if version < last {
					errorsChan <- fmt.Errorf("reader %d saw version go back from %d to %d", reader, last, version)
					return
				}
				last = version

				for key, payload := range snapshot {
					if payload == nil {
						errorsChan <- fmt.Errorf("reader %d found record %q without payload", reader, key)
						return
					}
				}

				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}
