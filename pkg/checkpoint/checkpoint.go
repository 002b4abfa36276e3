// Package checkpoint persists stream positions so that a restarted stream can resume
// where the last one left off.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inngest/dbcursor/pkg/position"
)

// DefaultFlushInterval is how often a Committer saves the latest committed position.
const DefaultFlushInterval = 5 * time.Second

type Store interface {
	// Load returns the position saved under name, or nil if there is none.
	Load(ctx context.Context, name string) (position.Position, error)
	// Save stores the position under name, replacing any previous value.
	Save(ctx context.Context, name string, p position.Position) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Load(ctx context.Context, name string) (position.Position, error) {
	m.mu.Lock()
	byt, ok := m.data[name]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return position.Unmarshal(byt)
}

func (m *Memory) Save(ctx context.Context, name string, p position.Position) error {
	byt, err := position.Marshal(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[name] = byt
	m.mu.Unlock()
	return nil
}

// Committer records the position of the last fully processed event and saves it to a
// Store periodically.  Commit is safe to call from any goroutine.
type Committer struct {
	store Store
	name  string
	log   *slog.Logger

	mu      sync.Mutex
	latest  position.Position
	flushed position.Position
	onSaved func(position.Position)
}

func NewCommitter(store Store, name string, log *slog.Logger) *Committer {
	if log == nil {
		log = slog.Default()
	}
	return &Committer{store: store, name: name, log: log}
}

// OnSaved registers f to be called with each position after it is saved.  Sources that
// release upstream data, such as a replication slot, must only be acknowledged from f,
// so that the saved checkpoint is never behind the source.
func (c *Committer) OnSaved(f func(position.Position)) {
	c.mu.Lock()
	c.onSaved = f
	c.mu.Unlock()
}

// Commit records p as processed.  It is saved on the next flush.
func (c *Committer) Commit(p position.Position) {
	c.mu.Lock()
	c.latest = p
	c.mu.Unlock()
}

// Latest returns the most recently committed position, or nil.
func (c *Committer) Latest() position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Flush saves the latest committed position if it changed since the last flush.
func (c *Committer) Flush(ctx context.Context) error {
	c.mu.Lock()
	p, prev := c.latest, c.flushed
	c.mu.Unlock()

	if p == nil || (prev != nil && position.Key(p) == position.Key(prev)) {
		return nil
	}
	if err := c.store.Save(ctx, c.name, p); err != nil {
		return fmt.Errorf("error saving checkpoint %q: %w", c.name, err)
	}

	c.mu.Lock()
	c.flushed = p
	onSaved := c.onSaved
	c.mu.Unlock()

	if onSaved != nil {
		onSaved(p)
	}
	return nil
}

// Run flushes every interval until ctx is cancelled, then flushes one final time.
func (c *Committer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// Always use a new context here so that the final save completes.
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Flush(fctx); err != nil {
				c.log.Error("error flushing checkpoint on shutdown", "error", err)
			}
			cancel()
			return
		case <-t.C:
			if err := c.Flush(ctx); err != nil {
				c.log.Error("error flushing checkpoint", "error", err)
			}
		}
	}
}
