// Package inbox turns a directory of record files into actions.
//
// Dropping <key>.json into the inbox directory creates (or replaces) the
// record at key with the file's JSON object as payload; removing the file
// deletes the record. Changes are debounced so an editor's write bursts
// become a single action.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/rowsync/internal/schema"
)

// ClientID is the issuer recorded on inbox actions.
const ClientID = "inbox"

// Sink receives the actions the inbox produces.
type Sink interface {
	Submit(actions ...schema.Action)
	CurrentVersion() int64
}

// Config holds configuration for the inbox.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is read
	DebounceInterval time.Duration

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

// Inbox watches a directory and submits actions to a Sink.
type Inbox struct {
	sink   Sink
	dir    string
	config *Config

	watcher *FileWatcher

	changeQueue   map[string]FileEvent
	changeTimes   map[string]time.Time
	changeQueueMu sync.Mutex

	wg sync.WaitGroup
}

// New creates an inbox over dir. A nil config uses DefaultConfig.
func New(sink Sink, dir string, config *Config) (*Inbox, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	return &Inbox{
		sink:        sink,
		dir:         dir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]FileEvent),
		changeTimes: make(map[string]time.Time),
	}, nil
}

// Run watches until ctx is cancelled, then flushes whatever is queued.
func (in *Inbox) Run(ctx context.Context) error {
	if err := in.watcher.Start(in.dir); err != nil {
		return err
	}
	in.config.Logger.Printf("Watching %s", in.dir)

	in.wg.Add(2)
	go in.watchFileEvents(ctx)
	go in.processChangeQueue(ctx)

	<-ctx.Done()

	err := in.watcher.Stop()
	in.wg.Wait()
	in.processPendingChanges(true)
	in.config.Logger.Println("Inbox stopped")
	return err
}

func (in *Inbox) watchFileEvents(ctx context.Context) {
	defer in.wg.Done()

	events := in.watcher.Events()
	errs := in.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			in.queueChange(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			in.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event per file.
func (in *Inbox) queueChange(ev FileEvent) {
	in.changeQueueMu.Lock()
	defer in.changeQueueMu.Unlock()

	in.changeQueue[ev.Path] = ev
	in.changeTimes[ev.Path] = time.Now()
}

func (in *Inbox) processChangeQueue(ctx context.Context) {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.processPendingChanges(false)
		}
	}
}

// processPendingChanges converts quiet files into actions. With force set
// every queued file is processed regardless of age.
func (in *Inbox) processPendingChanges(force bool) {
	in.changeQueueMu.Lock()
	now := time.Now()
	var ready []FileEvent
	for path, ev := range in.changeQueue {
		if !force && now.Sub(in.changeTimes[path]) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, ev)
		delete(in.changeQueue, path)
		delete(in.changeTimes, path)
	}
	in.changeQueueMu.Unlock()

	if len(ready) == 0 {
		return
	}

	version := in.sink.CurrentVersion()
	actions := make([]schema.Action, 0, len(ready))
	for _, ev := range ready {
		action, err := ActionForFile(ev.Path, version)
		if err != nil {
			in.config.Logger.Printf("Skipping %s: %v", ev.Path, err)
			continue
		}
		in.config.Logger.Printf("Queued %s", action)
		actions = append(actions, action)
	}
	in.sink.Submit(actions...)
}

// ActionForFile builds the action a record file currently stands for: a
// Create carrying its JSON object when it exists, a Delete when it does not.
func ActionForFile(path string, version int64) (schema.Action, error) {
	key, ok := KeyFromPath(path)
	if !ok {
		return nil, fmt.Errorf("not a record file")
	}
	meta := schema.Meta{Key: key, ClientID: ClientID, RequestVersion: version, IssuedAt: time.Now()}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return schema.Delete{Meta: meta}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}
	meta.IssuedAt = info.ModTime()

	// #nosec G304 - path is inside the configured inbox directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	var payload schema.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("file must hold a JSON object")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return schema.Create{Meta: meta, Payload: payload}, nil
}
