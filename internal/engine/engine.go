package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/steveyegge/rowsync/internal/schema"
	"github.com/steveyegge/rowsync/internal/store"
)

// Config holds configuration for the engine.
type Config struct {
	// LockTimeout bounds how long Apply waits for a running pass to finish.
	// Zero waits until the context is done.
	LockTimeout time.Duration

	// Logger for pass activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Result is the outcome of one pass.
type Result struct {
	// Version is the data version after the pass. Equal to the previous
	// version when Applied is false.
	Version int64

	// Applied is true when the pass ran and advanced the version.
	Applied bool

	// NextID is the record id the next create will receive.
	NextID int64

	// Messages holds the notifications for each live client, in the order
	// they were produced. Every live client has an entry, possibly empty.
	Messages map[string][]Message

	// Changes are the broadcast messages of the pass, for journaling.
	Changes []Message

	// Upserted are the records created or edited during the pass.
	Upserted []store.Record

	// Removed are the keys deleted during the pass.
	Removed []string

	// Conflicts are the keys where deletes raced edits.
	Conflicts []string

	// Failures are the per-key errors of the pass.
	Failures []KeyError
}

// Engine owns a Store and serializes passes over it.
type Engine struct {
	store  *store.Store
	config *Config
	sem    chan struct{}
}

// New creates an engine over st. A nil config uses DefaultConfig.
func New(st *store.Store, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}
	if st == nil {
		st = store.New(nil)
	}
	e := &Engine{
		store:  st,
		config: config,
		sem:    make(chan struct{}, 1),
	}
	storeRecords.Set(float64(st.Len()))
	storeVersion.Set(float64(st.Version()))
	return e
}

// acquire takes the pass lock, giving up when the context is done or the
// configured timeout elapses.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}

	start := time.Now()
	var timeout <-chan time.Time
	if e.config.LockTimeout > 0 {
		timer := time.NewTimer(e.config.LockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &TimeoutError{Waited: time.Since(start), Err: ctx.Err()}
	case <-timeout:
		return &TimeoutError{Waited: time.Since(start), Err: ErrLockTimeout}
	}
}

func (e *Engine) release() {
	<-e.sem
}

// Apply reconciles batch against the store and routes the resulting messages
// to the live clients.
//
// An empty batch is a no-op: the version is unchanged and every live client
// gets an empty message list. A non-empty batch always advances the version by
// exactly one, even when every key in it failed. The only error returned is a
// *TimeoutError, in which case nothing was applied.
func (e *Engine) Apply(ctx context.Context, batch []schema.Action, live []string) (*Result, error) {
	if len(batch) == 0 {
		return &Result{Version: e.CurrentVersion(), Messages: emptyMessages(live)}, nil
	}

	if err := e.acquire(ctx); err != nil {
		lockTimeoutsTotal.Inc()
		e.config.Logger.Printf("Pass abandoned with %d actions: %v", len(batch), err)
		return nil, err
	}
	defer e.release()

	start := time.Now()
	r := newRouter(live)
	res := &Result{}

	groups := GroupByKey(batch)
	for _, key := range keyOrder(batch) {
		e.reconcileKey(key, groups[key], r, res)
	}

	res.Version = e.store.BumpVersion()
	res.NextID = e.store.NextID()
	res.Applied = true
	res.Messages, res.Changes = r.finish(res.Version)

	passesTotal.Inc()
	passDuration.Observe(time.Since(start).Seconds())
	storeRecords.Set(float64(e.store.Len()))
	storeVersion.Set(float64(res.Version))

	e.config.Logger.Printf("Pass v%d: %d actions over %d keys (%d changes, %d conflicts, %d failures) in %v",
		res.Version, len(batch), len(groups), len(res.Changes), len(res.Conflicts), len(res.Failures),
		time.Since(start).Round(time.Microsecond))

	return res, nil
}

// Snapshot returns a deep copy of the key to payload mapping. It waits for any
// running pass to finish, so it never observes a partially applied batch.
func (e *Engine) Snapshot() map[string]schema.Payload {
	e.sem <- struct{}{}
	defer e.release()
	return e.store.Snapshot()
}

// SnapshotVersion is Snapshot plus the version the snapshot was taken at.
func (e *Engine) SnapshotVersion() (map[string]schema.Payload, int64) {
	e.sem <- struct{}{}
	defer e.release()
	return e.store.Snapshot(), e.store.Version()
}

// Records returns deep copies of all records ordered by id, along with the
// version and next record id they correspond to.
func (e *Engine) Records() ([]store.Record, int64, int64) {
	e.sem <- struct{}{}
	defer e.release()
	return e.store.Records(), e.store.Version(), e.store.NextID()
}

// CurrentVersion returns the current data version.
func (e *Engine) CurrentVersion() int64 {
	e.sem <- struct{}{}
	defer e.release()
	return e.store.Version()
}

// reconcileKey applies the decision procedure to every action targeting key.
func (e *Engine) reconcileKey(key string, actions []schema.Action, r *router, res *Result) {
	var (
		creates []schema.Create
		deletes []schema.Delete
		edits   []schema.Edit
	)
	for _, a := range actions {
		switch a := a.(type) {
		case schema.Create:
			creates = append(creates, a)
		case *schema.Create:
			creates = append(creates, *a)
		case schema.Delete:
			deletes = append(deletes, a)
		case *schema.Delete:
			deletes = append(deletes, *a)
		case schema.Edit:
			edits = append(edits, a)
		case *schema.Edit:
			edits = append(edits, *a)
		}
	}
	actionsTotal.WithLabelValues(string(schema.KindCreate)).Add(float64(len(creates)))
	actionsTotal.WithLabelValues(string(schema.KindDelete)).Add(float64(len(deletes)))
	actionsTotal.WithLabelValues(string(schema.KindEdit)).Add(float64(len(edits)))

	switch {
	case len(creates) > 0:
		e.applyCreate(key, creates, r, res)
		if shadowed := len(deletes) + len(edits); shadowed > 0 {
			e.config.Logger.Printf("Dropped %d delete/edit actions on %q superseded by a create", shadowed, key)
		}
	case len(deletes) > 0 && len(edits) > 0:
		e.raiseConflict(key, deletes, edits, r, res)
	case len(deletes) > 0:
		e.applyDelete(key, r, res)
	case len(edits) > 0:
		e.applyEdits(key, edits, r, res)
	}
}

// applyCreate stores the winning create under a fresh record id.
func (e *Engine) applyCreate(key string, creates []schema.Create, r *router, res *Result) {
	winner := pickCreate(creates)
	rec := e.store.Put(key, winner.Payload)
	res.Upserted = append(res.Upserted, rec.Clone())
	r.broadcast(Message{Type: MessageAdd, Key: key, Data: rec.Payload.Clone()})
}

// pickCreate selects the create with the highest request version. Ties go to
// the latest IssuedAt, then to the last one in arrival order.
func pickCreate(creates []schema.Create) schema.Create {
	winner := creates[0]
	for _, c := range creates[1:] {
		switch {
		case c.RequestVersion > winner.RequestVersion:
			winner = c
		case c.RequestVersion == winner.RequestVersion && !c.IssuedAt.Before(winner.IssuedAt):
			winner = c
		}
	}
	return winner
}

func (e *Engine) applyDelete(key string, r *router, res *Result) {
	if e.store.Remove(key) {
		res.Removed = append(res.Removed, key)
	}
	r.broadcast(Message{Type: MessageDelete, Key: key})
}

// raiseConflict leaves the record untouched and asks each distinct deleting
// client whether it still wants the delete.
func (e *Engine) raiseConflict(key string, deletes []schema.Delete, edits []schema.Edit, r *router, res *Result) {
	conflictsTotal.Inc()
	res.Conflicts = append(res.Conflicts, key)

	fields := make([]string, 0, len(edits))
	seenField := make(map[string]bool)
	for _, ed := range edits {
		if !seenField[ed.Field] {
			seenField[ed.Field] = true
			fields = append(fields, ed.Field)
		}
	}

	text := fmt.Sprintf("Another client edited %q (%s) while you were deleting it. Do you still want to delete it?",
		key, joinFields(fields))

	notified := make(map[string]bool)
	for _, d := range deletes {
		if notified[d.ClientID] {
			continue
		}
		notified[d.ClientID] = true
		if !r.direct(d.ClientID, Message{Type: MessageConflict, Key: key, Text: text}) {
			e.config.Logger.Printf("Conflict on %q for disconnected client %s", key, d.ClientID)
		}
	}
}

// applyEdits merges every edit into one patch, oldest request version first,
// so the newest value wins for each field.
func (e *Engine) applyEdits(key string, edits []schema.Edit, r *router, res *Result) {
	rec, ok := e.store.Get(key)
	if !ok {
		e.fail(key, editClients(edits), &NotFoundError{Key: key}, "not_found", res)
		return
	}

	patch := mergeEdits(edits)
	payload, err := rec.Payload.ApplyPatch(patch)
	if err != nil {
		e.fail(key, editClients(edits), &PatchError{Key: key, Err: err}, "patch", res)
		return
	}

	rec, err = e.store.Replace(key, payload)
	if err != nil {
		e.fail(key, editClients(edits), fmt.Errorf("failed to store edit: %w", err), "store", res)
		return
	}
	res.Upserted = append(res.Upserted, rec.Clone())
	r.broadcast(Message{Type: MessageEdit, Key: key, RowChanges: schema.Payload(patch).Clone()})
}

func (e *Engine) fail(key string, clients []string, err error, reason string, res *Result) {
	failuresTotal.WithLabelValues(reason).Inc()
	res.Failures = append(res.Failures, KeyError{Key: key, Clients: clients, Err: err})
	e.config.Logger.Printf("Failed to reconcile %q: %v", key, err)
}
