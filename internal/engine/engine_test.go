package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/rowsync/internal/schema"
	"github.com/steveyegge/rowsync/internal/store"
)

func quietConfig() *Config {
	return &Config{Logger: log.New(io.Discard, "", 0)}
}

func newTestEngine(t *testing.T, seeds ...schema.Seed) *Engine {
	t.Helper()
	return New(store.New(seeds), quietConfig())
}

func seed(key string, payload schema.Payload) schema.Seed {
	return schema.Seed{Key: key, Payload: payload}
}

func meta(key, client string, version int64) schema.Meta {
	return schema.Meta{Key: key, ClientID: client, RequestVersion: version, IssuedAt: time.Unix(1700000000, 0)}
}

func TestApply_DeleteRacingEditRaisesConflict(t *testing.T) {
	e := newTestEngine(t, seed("alice", schema.Payload{"name": "Alice", "age": 30}))

	batch := []schema.Action{
		schema.Edit{Meta: meta("alice", "A", 1), Field: "age", Value: 31},
		schema.Delete{Meta: meta("alice", "B", 1)},
	}
	res, err := e.Apply(context.Background(), batch, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if res.Version != 2 || !res.Applied {
		t.Errorf("expected applied pass at version 2, got version=%d applied=%v", res.Version, res.Applied)
	}
	if len(res.Messages["A"]) != 0 {
		t.Errorf("editor should get no messages, got %v", res.Messages["A"])
	}
	if len(res.Messages["B"]) != 1 {
		t.Fatalf("deleter should get exactly one message, got %v", res.Messages["B"])
	}
	msg := res.Messages["B"][0]
	if msg.Type != MessageConflict || msg.Key != "alice" || msg.Version != 2 {
		t.Errorf("unexpected conflict message: %+v", msg)
	}
	if !strings.Contains(msg.Text, "age") {
		t.Errorf("conflict text should name the edited field: %q", msg.Text)
	}

	want := map[string]schema.Payload{"alice": {"name": "Alice", "age": 30}}
	if diff := cmp.Diff(want, e.Snapshot()); diff != "" {
		t.Errorf("record changed during conflict (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice"}, res.Conflicts); diff != "" {
		t.Errorf("unexpected conflicts (-want +got):\n%s", diff)
	}
}

func TestApply_ConflictOnlyReachesLiveDistinctDeleters(t *testing.T) {
	e := newTestEngine(t, seed("k", schema.Payload{"v": 1}))

	batch := []schema.Action{
		schema.Delete{Meta: meta("k", "B", 1)},
		schema.Delete{Meta: meta("k", "B", 1)},
		schema.Delete{Meta: meta("k", "gone", 1)},
		schema.Edit{Meta: meta("k", "A", 1), Field: "v", Value: 2},
	}
	res, err := e.Apply(context.Background(), batch, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(res.Messages["B"]) != 1 {
		t.Errorf("expected one conflict for B, got %d", len(res.Messages["B"]))
	}
	if len(res.Messages["C"]) != 0 {
		t.Errorf("bystander C got messages: %v", res.Messages["C"])
	}
	if _, ok := res.Messages["gone"]; ok {
		t.Error("disconnected client should not appear in messages")
	}
}

func TestApply_EditsMergeByRequestVersion(t *testing.T) {
	e := newTestEngine(t, seed("bob", schema.Payload{"name": "Bob", "age": 30}))

	batch := []schema.Action{
		schema.Edit{Meta: meta("bob", "C", 3), Field: "age", Value: 31},
		schema.Edit{Meta: meta("bob", "A", 1), Field: "age", Value: 32},
		schema.Edit{Meta: meta("bob", "B", 2), Field: "name", Value: "Bo"},
	}
	res, err := e.Apply(context.Background(), batch, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := map[string]schema.Payload{"bob": {"name": "Bo", "age": 31}}
	if diff := cmp.Diff(want, e.Snapshot()); diff != "" {
		t.Errorf("unexpected store (-want +got):\n%s", diff)
	}

	wantMsg := []Message{{
		Type:       MessageEdit,
		Key:        "bob",
		Version:    2,
		RowChanges: map[string]any{"name": "Bo", "age": 31},
	}}
	for _, client := range []string{"A", "B"} {
		if diff := cmp.Diff(wantMsg, res.Messages[client]); diff != "" {
			t.Errorf("client %s messages (-want +got):\n%s", client, diff)
		}
	}
}

func TestApply_EditKeepsRecordID(t *testing.T) {
	e := newTestEngine(t, seed("a", schema.Payload{}), seed("b", schema.Payload{}))

	res, err := e.Apply(context.Background(), []schema.Action{
		schema.Edit{Meta: meta("b", "A", 1), Field: "x", Value: true},
	}, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(res.Upserted) != 1 || res.Upserted[0].ID != 2 {
		t.Errorf("expected edited record to keep id 2, got %+v", res.Upserted)
	}
}

func TestApply_CreateRaceNewestVersionWins(t *testing.T) {
	e := newTestEngine(t, seed("a", schema.Payload{}))

	batch := []schema.Action{
		schema.Create{Meta: meta("carol", "A", 1), Payload: schema.Payload{"name": "Carol v1"}},
		schema.Create{Meta: meta("carol", "B", 2), Payload: schema.Payload{"name": "Carol v2"}},
	}
	res, err := e.Apply(context.Background(), batch, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, client := range []string{"A", "B"} {
		msgs := res.Messages[client]
		if len(msgs) != 1 {
			t.Fatalf("client %s: expected one add, got %v", client, msgs)
		}
		if msgs[0].Type != MessageAdd || msgs[0].Data["name"] != "Carol v2" {
			t.Errorf("client %s: unexpected message %+v", client, msgs[0])
		}
	}
	if len(res.Upserted) != 1 || res.Upserted[0].ID != 2 {
		t.Errorf("expected new record with id 2, got %+v", res.Upserted)
	}
}

func TestPickCreate_TieBreaks(t *testing.T) {
	early := time.Unix(100, 0)
	late := time.Unix(200, 0)

	tests := []struct {
		name    string
		creates []schema.Create
		want    string
	}{
		{
			name: "later issue time wins equal versions",
			creates: []schema.Create{
				{Meta: schema.Meta{RequestVersion: 1, IssuedAt: late, ClientID: "late"}},
				{Meta: schema.Meta{RequestVersion: 1, IssuedAt: early, ClientID: "early"}},
			},
			want: "late",
		},
		{
			name: "last arrival wins full tie",
			creates: []schema.Create{
				{Meta: schema.Meta{RequestVersion: 1, IssuedAt: early, ClientID: "first"}},
				{Meta: schema.Meta{RequestVersion: 1, IssuedAt: early, ClientID: "second"}},
			},
			want: "second",
		},
		{
			name: "version beats time",
			creates: []schema.Create{
				{Meta: schema.Meta{RequestVersion: 2, IssuedAt: early, ClientID: "newer"}},
				{Meta: schema.Meta{RequestVersion: 1, IssuedAt: late, ClientID: "older"}},
			},
			want: "newer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickCreate(tt.creates).ClientID; got != tt.want {
				t.Errorf("expected %s to win, got %s", tt.want, got)
			}
		})
	}
}

func TestApply_CreateReplacesWithFreshID(t *testing.T) {
	e := newTestEngine(t, seed("k", schema.Payload{"old": true}))

	res, err := e.Apply(context.Background(), []schema.Action{
		schema.Create{Meta: meta("k", "A", 1), Payload: schema.Payload{"new": true}},
	}, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Upserted[0].ID != 2 {
		t.Errorf("expected fresh id 2, got %d", res.Upserted[0].ID)
	}
	want := map[string]schema.Payload{"k": {"new": true}}
	if diff := cmp.Diff(want, e.Snapshot()); diff != "" {
		t.Errorf("create should replace the payload wholesale (-want +got):\n%s", diff)
	}
}

func TestApply_CreateShadowsDeleteAndEdit(t *testing.T) {
	e := newTestEngine(t, seed("k", schema.Payload{"v": 1}))

	batch := []schema.Action{
		schema.Delete{Meta: meta("k", "B", 1)},
		schema.Edit{Meta: meta("k", "C", 1), Field: "v", Value: 9},
		schema.Create{Meta: meta("k", "A", 1), Payload: schema.Payload{"v": 2}},
	}
	res, err := e.Apply(context.Background(), batch, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(res.Conflicts) != 0 {
		t.Errorf("create should suppress conflicts, got %v", res.Conflicts)
	}
	for _, client := range []string{"A", "B"} {
		if len(res.Messages[client]) != 1 || res.Messages[client][0].Type != MessageAdd {
			t.Errorf("client %s: expected a single add, got %v", client, res.Messages[client])
		}
	}
	if diff := cmp.Diff(map[string]schema.Payload{"k": {"v": 2}}, e.Snapshot()); diff != "" {
		t.Errorf("unexpected store (-want +got):\n%s", diff)
	}
}

func TestApply_DeleteBroadcasts(t *testing.T) {
	e := newTestEngine(t, seed("k", schema.Payload{}))

	res, err := e.Apply(context.Background(), []schema.Action{
		schema.Delete{Meta: meta("k", "A", 1)},
		schema.Delete{Meta: meta("absent", "A", 1)},
	}, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := []Message{
		{Type: MessageDelete, Key: "k", Version: 2},
		{Type: MessageDelete, Key: "absent", Version: 2},
	}
	if diff := cmp.Diff(want, res.Messages["B"]); diff != "" {
		t.Errorf("unexpected delete broadcast (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"k"}, res.Removed); diff != "" {
		t.Errorf("only present records count as removed (-want +got):\n%s", diff)
	}
}

func TestApply_GhostEditFailsButVersionAdvances(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Apply(context.Background(), []schema.Action{
		schema.Edit{Meta: meta("ghost", "A", 1), Field: "age", Value: 1},
	}, []string{"A"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if res.Version != 2 {
		t.Errorf("expected version 2, got %d", res.Version)
	}
	if len(res.Messages["A"]) != 0 {
		t.Errorf("expected no messages, got %v", res.Messages["A"])
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected one failure, got %v", res.Failures)
	}
	if !IsNotFound(res.Failures[0]) {
		t.Errorf("expected not found failure, got %v", res.Failures[0])
	}
	if diff := cmp.Diff([]string{"A"}, res.Failures[0].Clients); diff != "" {
		t.Errorf("unexpected failing clients (-want +got):\n%s", diff)
	}
}

func TestApply_FailureIsContainedToKey(t *testing.T) {
	e := newTestEngine(t, seed("ok", schema.Payload{"n": 1}), seed("bad", schema.Payload{"n": 1}))

	res, err := e.Apply(context.Background(), []schema.Action{
		schema.Edit{Meta: meta("bad", "A", 1), Field: "n", Value: struct{}{}},
		schema.Edit{Meta: meta("ok", "A", 1), Field: "n", Value: 2},
	}, []string{"A"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	var pe *PatchError
	if len(res.Failures) != 1 || !errors.As(res.Failures[0], &pe) || pe.Key != "bad" {
		t.Fatalf("expected patch error on bad, got %v", res.Failures)
	}
	want := map[string]schema.Payload{"ok": {"n": 2}, "bad": {"n": 1}}
	if diff := cmp.Diff(want, e.Snapshot()); diff != "" {
		t.Errorf("unexpected store (-want +got):\n%s", diff)
	}
	if len(res.Messages["A"]) != 1 || res.Messages["A"][0].Key != "ok" {
		t.Errorf("expected only the ok edit to be broadcast, got %v", res.Messages["A"])
	}
}

func TestApply_EmptyBatchIsNoop(t *testing.T) {
	e := newTestEngine(t, seed("k", schema.Payload{}))

	res, err := e.Apply(context.Background(), nil, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Applied || res.Version != 1 || e.CurrentVersion() != 1 {
		t.Errorf("empty batch changed state: %+v", res)
	}
	want := map[string][]Message{"A": {}, "B": {}}
	if diff := cmp.Diff(want, res.Messages); diff != "" {
		t.Errorf("unexpected messages (-want +got):\n%s", diff)
	}
}

func TestApply_MessagesFollowKeyOrder(t *testing.T) {
	e := newTestEngine(t, seed("x", schema.Payload{}), seed("y", schema.Payload{}))

	res, err := e.Apply(context.Background(), []schema.Action{
		schema.Delete{Meta: meta("y", "A", 1)},
		schema.Create{Meta: meta("z", "A", 1), Payload: schema.Payload{}},
		schema.Edit{Meta: meta("x", "A", 1), Field: "f", Value: "v"},
		schema.Delete{Meta: meta("z", "B", 1)},
	}, []string{"A"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	var keys []string
	for _, m := range res.Messages["A"] {
		keys = append(keys, m.Key)
		if m.Version != res.Version {
			t.Errorf("message %+v not stamped with version %d", m, res.Version)
		}
	}
	if diff := cmp.Diff([]string{"y", "z", "x"}, keys); diff != "" {
		t.Errorf("unexpected message order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res.Messages["A"], res.Changes); diff != "" {
		t.Errorf("changes should mirror broadcasts (-want +got):\n%s", diff)
	}
}

func TestApply_AcceptsPointerActions(t *testing.T) {
	e := newTestEngine(t, seed("k", schema.Payload{"n": 1}))

	_, err := e.Apply(context.Background(), []schema.Action{
		&schema.Edit{Meta: meta("k", "A", 1), Field: "n", Value: 5},
	}, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := e.Snapshot()["k"]["n"]; got != 5 {
		t.Errorf("expected n=5, got %v", got)
	}
}

func TestApply_LockTimeout(t *testing.T) {
	config := quietConfig()
	config.LockTimeout = 20 * time.Millisecond
	e := New(store.New(nil), config)

	e.sem <- struct{}{} // simulate a long pass
	_, err := e.Apply(context.Background(), []schema.Action{
		schema.Delete{Meta: meta("k", "A", 1)},
	}, nil)
	e.release()

	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected error to wrap ErrLockTimeout, got %v", err)
	}
	if e.CurrentVersion() != 1 {
		t.Errorf("timed out pass must not advance the version, got %d", e.CurrentVersion())
	}
}

func TestApply_ContextCancelledWhileWaiting(t *testing.T) {
	e := newTestEngine(t)

	e.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Apply(ctx, []schema.Action{schema.Delete{Meta: meta("k", "A", 1)}}, nil)
	e.release()

	if !IsTimeout(err) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected timeout wrapping context.Canceled, got %v", err)
	}
}

func TestApply_ConcurrentPassesSerialize(t *testing.T) {
	e := newTestEngine(t, seed("counter", schema.Payload{}))

	const passes = 20
	var wg sync.WaitGroup
	versions := make(chan int64, passes)
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Apply(context.Background(), []schema.Action{
				schema.Edit{Meta: meta("counter", "A", int64(i)), Field: "last", Value: i},
			}, nil)
			if err != nil {
				t.Errorf("Apply failed: %v", err)
				return
			}
			versions <- res.Version
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		if seen[v] {
			t.Errorf("version %d produced by two passes", v)
		}
		seen[v] = true
	}
	if got := e.CurrentVersion(); got != passes+1 {
		t.Errorf("expected version %d, got %d", passes+1, got)
	}
}

func TestSnapshot_Idempotent(t *testing.T) {
	e := New(store.New(schema.DefaultSeeds()), quietConfig())

	first := e.Snapshot()
	if diff := cmp.Diff(first, e.Snapshot()); diff != "" {
		t.Errorf("consecutive snapshots differ (-first +second):\n%s", diff)
	}
	first["John"]["age"] = 0
	if e.Snapshot()["John"]["age"] != 20 {
		t.Error("snapshot shares state with the store")
	}
}

func TestRecords(t *testing.T) {
	e := New(store.New(schema.DefaultSeeds()), quietConfig())

	records, version, nextID := e.Records()
	if len(records) != 4 || version != 1 || nextID != 5 {
		t.Errorf("unexpected records state: len=%d version=%d next=%d", len(records), version, nextID)
	}
}
