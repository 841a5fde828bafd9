package transfers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// gatedTransfer writes size bytes in two steps and waits on release before
// finishing.
type gatedTransfer struct {
	name    string
	size    int64
	started chan struct{}
	release chan struct{}
	err     error
}

func newGated(name string, size int64) *gatedTransfer {
	return &gatedTransfer{
		name:    name,
		size:    size,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedTransfer) FileName() string { return g.name }

func (g *gatedTransfer) Run(ctx context.Context, progress func(int64)) error {
	close(g.started)
	progress(g.size / 2)
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	progress(g.size - g.size/2)
	return g.err
}

func find(t *testing.T, infos []Info, id string) Info {
	t.Helper()
	for _, info := range infos {
		if info.ID == id {
			return info
		}
	}
	t.Fatalf("transfer %s not in snapshot", id)
	return Info{}
}

func waitStatus(t *testing.T, c *Coordinator, id string, want Status) Info {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, r := range c.records {
			if r.info.ID == id && r.info.Status == want {
				info := r.info
				info.Transferred = r.transferred.Load()
				c.mu.Unlock()
				return info
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transfer %s never reached %v", id, want)
	return Info{}
}

func TestStatusProgression(t *testing.T) {
	t.Parallel()
	c := New()
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	g := newGated("a.txt", 100)
	id, err := c.Enqueue(g, Store, "s1")
	if err != nil {
		t.Fatal(err)
	}

	<-g.started
	info := find(t, c.ListActive(), id)
	if info.Status != Transferring {
		t.Fatalf("status = %v, want Transferring", info.Status)
	}
	if info.Transferred != 50 {
		t.Errorf("transferred = %d, want 50", info.Transferred)
	}
	if info.FileName != "a.txt" || info.Direction != Store || info.Owner != "s1" {
		t.Errorf("unexpected record %+v", info)
	}

	close(g.release)
	info = waitStatus(t, c, id, Finished)
	if info.Transferred != 100 {
		t.Errorf("transferred = %d, want 100", info.Transferred)
	}
}

func TestQueuedUntilSlotFree(t *testing.T) {
	t.Parallel()
	c := New(WithConcurrency(1))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	first := newGated("first", 10)
	second := newGated("second", 10)
	id1, _ := c.Enqueue(first, Store, "s1")
	<-first.started
	id2, _ := c.Enqueue(second, Append, "s1")

	snap := c.ListActive()
	if got := find(t, snap, id2).Status; got != Queued {
		t.Fatalf("second status = %v, want Queued", got)
	}

	close(first.release)
	waitStatus(t, c, id1, Finished)
	<-second.started
	close(second.release)
	waitStatus(t, c, id2, Finished)
}

func TestFailureRecorded(t *testing.T) {
	t.Parallel()
	c := New()
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	g := newGated("bad", 4)
	g.err = errors.New("disk full")
	close(g.release)
	id, _ := c.Enqueue(g, Replace, "s1")

	info := waitStatus(t, c, id, Failed)
	if info.Err == nil || info.Err.Error() != "disk full" {
		t.Errorf("err = %v, want disk full", info.Err)
	}
}

func TestEvictedAfterObserved(t *testing.T) {
	t.Parallel()
	c := New()
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	g := newGated("x", 1)
	close(g.release)
	id, _ := c.Enqueue(g, Store, "s1")
	waitStatus(t, c, id, Finished)

	if got := find(t, c.ListActive(), id).Status; got != Finished {
		t.Fatalf("status = %v, want Finished", got)
	}
	if snap := c.ListActive(); len(snap) != 0 {
		t.Errorf("record still listed after being observed: %+v", snap)
	}
}

func TestSnapshotKeepsFinished(t *testing.T) {
	t.Parallel()
	c := New()
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	g := newGated("x", 1)
	close(g.release)
	id, _ := c.Enqueue(g, Store, "s1")
	waitStatus(t, c, id, Finished)

	for range 3 {
		if got := find(t, c.Snapshot(), id).Status; got != Finished {
			t.Fatalf("status = %v, want Finished", got)
		}
	}
	// ListActive still reports the record once.
	find(t, c.ListActive(), id)
	if snap := c.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot lists a reported record: %+v", snap)
	}
}

func TestConnectionClosed(t *testing.T) {
	t.Parallel()
	c := New()
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	done := newGated("done", 1)
	close(done.release)
	doneID, _ := c.Enqueue(done, Store, "s1")
	waitStatus(t, c, doneID, Finished)

	running := newGated("running", 8)
	runningID, _ := c.Enqueue(running, Store, "s1")
	<-running.started

	c.ConnectionClosed("s1")

	snap := c.ListActive()
	if len(snap) != 1 || snap[0].ID != runningID {
		t.Fatalf("snapshot after close = %+v, want only the running transfer", snap)
	}

	// The running transfer is not canceled by the connection going away.
	close(running.release)
	info := waitStatus(t, c, runningID, Finished)
	if info.Transferred != 8 {
		t.Errorf("transferred = %d, want 8", info.Transferred)
	}
	if got := find(t, c.ListActive(), runningID).Status; got != Finished {
		t.Errorf("status = %v, want Finished", got)
	}
}

func TestRetentionEvictsOldestFinished(t *testing.T) {
	t.Parallel()
	c := New(WithRetention(3))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	var ids []string
	for i := range 5 {
		g := newGated(fmt.Sprintf("f%d", i), 1)
		close(g.release)
		id, _ := c.Enqueue(g, Store, "s1")
		waitStatus(t, c, id, Finished)
		ids = append(ids, id)
	}

	snap := c.ListActive()
	if len(snap) != 3 {
		t.Fatalf("retained %d records, want 3", len(snap))
	}
	for i, info := range snap {
		if info.ID != ids[i+2] {
			t.Errorf("snap[%d] = %s, want %s", i, info.FileName, fmt.Sprintf("f%d", i+2))
		}
	}
}

func TestCloseCancelsAfterDeadline(t *testing.T) {
	t.Parallel()
	c := New()

	g := newGated("slow", 2)
	id, _ := c.Enqueue(g, Store, "s1")
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want DeadlineExceeded", err)
	}
	if got := find(t, c.ListActive(), id).Status; got != Failed {
		t.Errorf("status = %v, want Failed", got)
	}
	if _, err := c.Enqueue(newGated("late", 1), Store, "s1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}
