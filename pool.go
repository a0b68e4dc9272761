package gear

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// pool tracks the set of connections a Client or Worker knows about, split
// between active (currently connected, usable) and inactive (disconnected,
// awaiting the reconnector). A single condition variable guards both
// lists: addServer, promote and markLost all broadcast on it, and
// waitForServer blocks on it.
type pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	active  []*Connection
	inactive []*Connection
	cursor  int
	running bool
}

func newPool() *pool {
	p := &pool{running: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// addServer registers a new inactive connection, or returns ErrConfiguration
// if the host/port pair is already known.
func (p *pool) addServer(conn *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.active {
		if c.Host == conn.Host && c.Port == conn.Port {
			return fmt.Errorf("%w: host/port already specified", ErrConfiguration)
		}
	}
	for _, c := range p.inactive {
		if c.Host == conn.Host && c.Port == conn.Port {
			return fmt.Errorf("%w: host/port already specified", ErrConfiguration)
		}
	}
	p.inactive = append(p.inactive, conn)
	p.cond.Broadcast()
	return nil
}

// waitForServer blocks until at least one connection is active, the pool
// is shut down, or timeout elapses (<=0 means wait forever).
func (p *pool) waitForServer(timeout time.Duration) error {
	var timedOut int32
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			atomic.StoreInt32(&timedOut, 1)
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer timer.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running && len(p.active) == 0 {
		if timeout > 0 && atomic.LoadInt32(&timedOut) == 1 {
			return ErrTimeout
		}
		p.cond.Wait()
	}
	if !p.running {
		return ErrInterrupted
	}
	return nil
}

// getConnection returns the next connection in round-robin order among the
// currently active connections.
func (p *pool) getConnection() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) == 0 {
		return nil, ErrNoConnectedServers
	}
	p.cursor++
	if p.cursor >= len(p.active) {
		p.cursor = 0
	}
	return p.active[p.cursor], nil
}

// snapshotActive returns a copy of the active connection list, safe to
// range over without holding the pool lock.
func (p *pool) snapshotActive() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.active))
	copy(out, p.active)
	return out
}

// snapshotInactive returns a copy of the inactive connection list.
func (p *pool) snapshotInactive() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.inactive))
	copy(out, p.inactive)
	return out
}

// promote moves a connection from inactive to active, called by the
// reconnector once a reconnect attempt (and the role's onConnect hook)
// succeeds.
func (p *pool) promote(conn *Connection) {
	p.mu.Lock()
	for i, c := range p.inactive {
		if c == conn {
			p.inactive = append(p.inactive[:i], p.inactive[i+1:]...)
			break
		}
	}
	p.active = append(p.active, conn)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// markLost moves a connection from active to inactive (a no-op on the
// active list if it was already moved, e.g. by a concurrent caller).
func (p *pool) markLost(conn *Connection) {
	p.mu.Lock()
	for i, c := range p.active {
		if c == conn {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}
	found := false
	for _, c := range p.inactive {
		if c == conn {
			found = true
			break
		}
	}
	if !found {
		p.inactive = append(p.inactive, conn)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// stop marks the pool as shut down and wakes every blocked waiter so it can
// observe that running is now false.
func (p *pool) stop() {
	p.mu.Lock()
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pool) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
