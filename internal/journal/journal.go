// Package journal persists reconciliation passes and restores the store from
// them at startup.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/rowsync/internal/db"
	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/schema"
	"github.com/steveyegge/rowsync/internal/store"
)

// Journal keeps durable state in step with the engine.
//
// Record is called once per applied pass, after the pass released the store
// lock. A failed write is reported but never undoes the pass: the in-memory
// store stays authoritative and the failed pass is written, in order, ahead
// of the next one. A stored version therefore always matches its records.
type Journal interface {
	// Restore returns the persisted store. When nothing has been persisted
	// yet, a store is built from seeds and written out as the initial state.
	Restore(ctx context.Context, seeds []schema.Seed) (*store.Store, error)

	// Record persists the records, removals and events of one pass.
	Record(ctx context.Context, res *engine.Result) error
}

// journal implements Journal on top of the SQLite database.
type journal struct {
	db     *db.DB
	logger *log.Logger

	// backlog holds passes whose write failed, oldest first
	mu      sync.Mutex
	backlog []*db.Pass
}

// New creates a Journal backed by database. The schema must already be
// initialized. If logger is nil, a default logger writing to stderr is used.
func New(database *db.DB, logger *log.Logger) Journal {
	if logger == nil {
		logger = log.New(os.Stderr, "[journal] ", log.LstdFlags)
	}
	return &journal{
		db:     database,
		logger: logger,
	}
}

// Restore implements Journal.Restore.
func (j *journal) Restore(ctx context.Context, seeds []schema.Seed) (*store.Store, error) {
	state, err := j.db.LoadStateContext(ctx)
	if errors.Is(err, db.ErrNoState) {
		st := store.New(seeds)
		initial := &db.State{Records: st.Records(), Version: st.Version(), NextID: st.NextID()}
		if err := j.db.SaveStateContext(ctx, initial); err != nil {
			return nil, fmt.Errorf("failed to write initial state: %w", err)
		}
		j.logger.Printf("Initialized journal with %d seed records", st.Len())
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	st, err := store.Restore(state.Records, state.Version, state.NextID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore store: %w", err)
	}
	j.logger.Printf("Restored %d records at version %d", st.Len(), st.Version())
	return st, nil
}

// Record implements Journal.Record.
func (j *journal) Record(ctx context.Context, res *engine.Result) error {
	if res == nil || !res.Applied {
		return nil
	}

	events, err := Events(res, time.Now())
	if err != nil {
		return err
	}

	pass := &db.Pass{
		Version:  res.Version,
		NextID:   res.NextID,
		Upserted: res.Upserted,
		Removed:  res.Removed,
		Events:   events,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.backlog = append(j.backlog, pass)
	if len(j.backlog) > 1 {
		j.logger.Printf("Retrying %d unjournaled passes before pass %d", len(j.backlog)-1, res.Version)
	}
	for len(j.backlog) > 0 {
		next := j.backlog[0]
		if err := j.db.SavePassContext(ctx, next); err != nil {
			return fmt.Errorf("failed to journal pass %d (%d passes pending): %w", next.Version, len(j.backlog), err)
		}
		j.backlog[0] = nil
		j.backlog = j.backlog[1:]
	}
	return nil
}

// EventFailure is the event type recorded for a key that failed to reconcile.
// The other event types are the engine's message types.
const EventFailure = "failure"

// Events converts the outcome of a pass into journal events: one per
// broadcast change, one per conflict and one per failed key.
func Events(res *engine.Result, now time.Time) ([]db.Event, error) {
	var events []db.Event
	add := func(typ, key string, body any) error {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s event for %q: %w", typ, key, err)
		}
		events = append(events, db.Event{Version: res.Version, Type: typ, Key: key, Body: raw, CreatedAt: now})
		return nil
	}

	for _, m := range res.Changes {
		if err := add(string(m.Type), m.Key, m); err != nil {
			return nil, err
		}
	}
	for _, key := range res.Conflicts {
		if err := add(string(engine.MessageConflict), key, map[string]any{"key": key}); err != nil {
			return nil, err
		}
	}
	for _, f := range res.Failures {
		body := map[string]any{"key": f.Key, "clients": f.Clients, "error": f.Err.Error()}
		if err := add(EventFailure, f.Key, body); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// memory is the Journal used when persistence is disabled.
type memory struct{}

// Memory returns a Journal that persists nothing. Restore always builds the
// store from seeds.
func Memory() Journal {
	return memory{}
}

func (memory) Restore(_ context.Context, seeds []schema.Seed) (*store.Store, error) {
	return store.New(seeds), nil
}

func (memory) Record(context.Context, *engine.Result) error {
	return nil
}
