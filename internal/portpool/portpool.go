// Package portpool hands out passive-mode data ports from a fixed range.
//
// A Pool is shared by every session of a server. A port is leased to at most
// one caller at a time; callers that find the pool empty queue up and are
// served in arrival order as ports come back, so no waiter starves while
// ports keep cycling.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoPortAvailable is returned by Lease when no port became free
	// before the timeout elapsed.
	ErrNoPortAvailable = errors.New("portpool: no port available")

	// ErrNotLeased is returned by Release for a port that is not currently leased.
	ErrNotLeased = errors.New("portpool: port not leased")
)

// Pool is a bounded set of ports. The zero value is not usable; use New.
type Pool struct {
	min, max int

	mu      sync.Mutex
	free    []int
	leased  map[int]struct{}
	waiters []chan int
}

// New returns a pool holding every port in [min, max], all available.
func New(min, max int) (*Pool, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("portpool: invalid port range [%d, %d]", min, max)
	}
	p := &Pool{
		min:    min,
		max:    max,
		free:   make([]int, 0, max-min+1),
		leased: make(map[int]struct{}),
	}
	for port := min; port <= max; port++ {
		p.free = append(p.free, port)
	}
	return p, nil
}

// Range returns the configured bounds.
func (p *Pool) Range() (min, max int) {
	return p.min, p.max
}

// Available returns the number of ports not currently leased.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Lease takes a port from the pool, waiting up to timeout for one to be
// released. It returns ErrNoPortAvailable when the timeout elapses and
// ctx.Err() when ctx is canceled first. A timeout <= 0 never waits.
func (p *Pool) Lease(ctx context.Context, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if len(p.waiters) == 0 && len(p.free) > 0 {
		port := p.free[0]
		p.free = p.free[1:]
		p.leased[port] = struct{}{}
		p.mu.Unlock()
		return port, nil
	}
	if timeout <= 0 {
		p.mu.Unlock()
		return 0, ErrNoPortAvailable
	}
	ch := make(chan int, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case port := <-ch:
		return port, nil
	case <-timer.C:
		err = ErrNoPortAvailable
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	queued := p.dropWaiter(ch)
	p.mu.Unlock()
	if !queued {
		// Release handed us a port between the timeout and the lock.
		_ = p.Release(<-ch)
	}
	return 0, err
}

// Release returns a leased port to the pool. Releasing a port that is not
// leased returns ErrNotLeased and leaves the pool unchanged.
func (p *Pool) Release(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[port]; !ok {
		return ErrNotLeased
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- port
		return nil
	}
	delete(p.leased, port)
	p.free = append(p.free, port)
	return nil
}

// dropWaiter removes ch from the wait queue and reports whether it was still
// queued. p.mu must be held.
func (p *Pool) dropWaiter(ch chan int) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
