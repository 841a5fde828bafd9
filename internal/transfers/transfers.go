// Package transfers runs background content transfers and tracks their status.
//
// A transfer handed to a Coordinator outlives the command and the control
// connection that started it. Its progress and outcome are only visible
// through ListActive and Snapshot.
package transfers

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue after Close has been called.
var ErrClosed = errors.New("transfers: coordinator closed")

// Status is the lifecycle state of a background transfer.
type Status int

const (
	Queued Status = iota
	Transferring
	Finished
	Failed
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Transferring:
		return "Transferring"
	case Finished:
		return "Finished"
	case Failed:
		return "Failed"
	}
	return "Unknown"
}

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s == Finished || s == Failed
}

// Direction tells what kind of write a transfer performs.
type Direction int

const (
	Store Direction = iota
	Append
	Replace
)

func (d Direction) String() string {
	switch d {
	case Store:
		return "store"
	case Append:
		return "append"
	case Replace:
		return "replace"
	}
	return "unknown"
}

// Transfer is a unit of work run by the Coordinator. Run must call progress
// with the number of bytes moved each time data is written, and should stop
// when ctx is canceled.
type Transfer interface {
	FileName() string
	Run(ctx context.Context, progress func(n int64)) error
}

// Info is a point-in-time copy of a transfer record.
type Info struct {
	ID          string
	FileName    string
	Direction   Direction
	Status      Status
	Transferred int64
	Owner       string
	Err         error
	Queued      time.Time
	Started     time.Time
	Finished    time.Time
}

type record struct {
	info        Info // guarded by Coordinator.mu
	transferred atomic.Int64
	observed    bool
}

const (
	defaultConcurrency = 4
	defaultRetention   = 256
)

// Coordinator executes transfers with bounded concurrency and keeps a bounded
// history of finished ones.
type Coordinator struct {
	logger    *slog.Logger
	sem       *semaphore.Weighted
	retention int
	onDone    func(Info)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	records []*record // enqueue order
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency limits how many transfers run at once. Extra transfers
// stay Queued until a slot frees up.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetention bounds how many finished or failed records are kept.
func WithRetention(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.retention = n
		}
	}
}

// WithLogger sets the logger used for transfer lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCompletionHook registers fn to be called after every transfer
// reaches a terminal state.
func WithCompletionHook(fn func(Info)) Option {
	return func(c *Coordinator) {
		c.onDone = fn
	}
}

// New returns a running Coordinator.
func New(opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:    slog.Default(),
		sem:       semaphore.NewWeighted(defaultConcurrency),
		retention: defaultRetention,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue registers t in the Queued state and starts it in the background.
// It returns the record ID without waiting for the transfer.
func (c *Coordinator) Enqueue(t Transfer, dir Direction, owner string) (string, error) {
	r := &record{info: Info{
		ID:        uuid.NewString(),
		FileName:  t.FileName(),
		Direction: dir,
		Status:    Queued,
		Owner:     owner,
		Queued:    time.Now(),
	}}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.records = append(c.records, r)
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("transfer_enqueued",
		"transfer_id", r.info.ID,
		"file", r.info.FileName,
		"direction", dir.String(),
		"session_id", owner,
	)

	go c.run(r, t)
	return r.info.ID, nil
}

func (c *Coordinator) run(r *record, t Transfer) {
	defer c.wg.Done()

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		c.finish(r, err)
		return
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	r.info.Status = Transferring
	r.info.Started = time.Now()
	c.mu.Unlock()

	err := t.Run(c.ctx, func(n int64) {
		r.transferred.Add(n)
	})
	c.finish(r, err)
}

func (c *Coordinator) finish(r *record, err error) {
	c.mu.Lock()
	r.info.Finished = time.Now()
	r.info.Err = err
	if err != nil {
		r.info.Status = Failed
	} else {
		r.info.Status = Finished
	}
	info := r.info
	info.Transferred = r.transferred.Load()
	c.enforceRetention()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("background_transfer_failed",
			"transfer_id", info.ID,
			"file", info.FileName,
			"bytes", info.Transferred,
			"error", err,
		)
	} else {
		c.logger.Info("background_transfer_finished",
			"transfer_id", info.ID,
			"file", info.FileName,
			"bytes", info.Transferred,
			"duration_ms", info.Finished.Sub(info.Started).Milliseconds(),
		)
	}
	if c.onDone != nil {
		c.onDone(info)
	}
}

// enforceRetention drops the oldest-finished terminal records beyond the
// retention limit. c.mu must be held.
func (c *Coordinator) enforceRetention() {
	var done []*record
	for _, r := range c.records {
		if r.info.Status.Done() {
			done = append(done, r)
		}
	}
	if len(done) <= c.retention {
		return
	}
	slices.SortFunc(done, func(a, b *record) int {
		return a.info.Finished.Compare(b.info.Finished)
	})
	evict := make(map[*record]bool, len(done)-c.retention)
	for _, r := range done[:len(done)-c.retention] {
		evict[r] = true
	}
	c.records = slices.DeleteFunc(c.records, func(r *record) bool {
		return evict[r]
	})
}

// ListActive returns a snapshot of all tracked transfers in enqueue order.
// Terminal records are reported by at least one call and dropped on the
// call after the first one that reported them.
func (c *Coordinator) ListActive() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = slices.DeleteFunc(c.records, func(r *record) bool {
		return r.observed
	})

	out := make([]Info, 0, len(c.records))
	for _, r := range c.records {
		info := r.info
		info.Transferred = r.transferred.Load()
		if info.Status.Done() {
			r.observed = true
		}
		out = append(out, info)
	}
	return out
}

// Snapshot returns all tracked transfers in enqueue order like ListActive,
// without marking terminal records as reported.
func (c *Coordinator) Snapshot() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Info, 0, len(c.records))
	for _, r := range c.records {
		if r.observed {
			continue
		}
		info := r.info
		info.Transferred = r.transferred.Load()
		out = append(out, info)
	}
	return out
}

// ConnectionClosed drops the finished records of owner. Records still
// queued or running are kept and remain visible to other sessions.
func (c *Coordinator) ConnectionClosed(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = slices.DeleteFunc(c.records, func(r *record) bool {
		return r.info.Owner == owner && r.info.Status.Done()
	})
}

// Close stops accepting transfers and waits for running ones to complete.
// If ctx is done first, remaining transfers are canceled and ctx.Err() is
// returned once they have stopped.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
