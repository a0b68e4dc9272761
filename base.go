package gear

import (
	"fmt"
	"sync"
	"time"

	"github.com/bbrodriges/gear/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// roleHooks lets Client and Worker customize the connection lifecycle that
// base otherwise drives identically for both roles.
type roleHooks interface {
	// onConnect runs once, synchronously, right after a successful dial,
	// before the connection is promoted to active. Returning an error
	// leaves the connection inactive for the reconnector to retry.
	onConnect(conn *Connection) error
	// onActiveConnection runs once a connection has been promoted.
	onActiveConnection(conn *Connection)
	// onDisconnect surfaces a job that was in flight on a connection that
	// was just lost. Client passes these to its no-op handleDisconnect;
	// Worker has no use for it since its jobs are not tracked in relatedJobs.
	onDisconnect(job *Job)
}

type handlerFunc func(pkt *proto.Packet, conn *Connection)

// readResult is what each per-connection reader goroutine sends to the
// shared results channel that the single poller goroutine consumes.
type readResult struct {
	conn  *Connection
	pkt   *proto.Packet
	admin *proto.AdminRequest
	err   error
}

// base implements the connection pool, the background reconnector, and the
// packet dispatch core shared by Client and Worker. Where the original
// implementation multiplexed every socket through a single poll() loop
// woken by a self-pipe, base instead runs one reader goroutine per active
// connection, fanning results into one channel that a single dispatch
// goroutine drains; starting and stopping those goroutines on promotion
// and loss of a connection is the Go equivalent of rebuilding the poll
// set.
type base struct {
	clientID string
	logger   *zap.Logger
	pool     *pool

	hooks    roleHooks
	handlers map[proto.PacketType]handlerFunc

	reportTiming func(proto.PacketType, time.Duration)

	results    chan readResult
	readers    sync.WaitGroup
	group      *errgroup.Group
	shutdownMu sync.Mutex
	shutdownCh chan struct{}
}

func newBase(clientID string, logger *zap.Logger, hooks roleHooks) *base {
	group := &errgroup.Group{}
	b := &base{
		clientID:   clientID,
		logger:     logger,
		pool:       newPool(),
		hooks:      hooks,
		handlers:   make(map[proto.PacketType]handlerFunc),
		results:    make(chan readResult, 64),
		group:      group,
		shutdownCh: make(chan struct{}),
	}
	group.Go(func() error { b.runReconnector(); return nil })
	group.Go(func() error { b.runPoller(); return nil })
	return b
}

// registerHandler installs the handler for a packet type, called during
// Client/Worker construction.
func (b *base) registerHandler(t proto.PacketType, fn handlerFunc) {
	b.handlers[t] = fn
}

// addServer registers a new server and lets the reconnector pick it up.
func (b *base) addServer(host string, port int, tlsCfg *TLSConfig) error {
	tlsConfig, err := buildTLSConfig(tlsCfg)
	if err != nil {
		return err
	}
	conn := newConnection(host, port, tlsConfig, b.clientID, b.logger)
	if err := b.pool.addServer(conn); err != nil {
		return err
	}
	return nil
}

func (b *base) waitForServer(timeout time.Duration) error {
	return b.pool.waitForServer(timeout)
}

func (b *base) getConnection() (*Connection, error) {
	return b.pool.getConnection()
}

// broadcast sends a packet to every currently active connection, ignoring
// per-connection send failures (sendPacket already tore the bad connection
// down).
func (b *base) broadcast(p *proto.Packet) {
	for _, conn := range b.pool.snapshotActive() {
		_ = b.sendPacket(p, conn)
	}
}

// sendPacket sends a packet on one connection, tearing the connection down
// on failure (mirrors the original's "error handling is all done by
// sendPacket").
func (b *base) sendPacket(p *proto.Packet, conn *Connection) error {
	if err := conn.SendPacket(p); err != nil {
		b.logger.Error("failed to send packet", zap.Error(err), zap.Stringer("connection", conn))
		b.lostConnection(conn)
		return err
	}
	return nil
}

// lostConnection moves a connection back to the inactive list, stops
// treating it as readable, and surfaces any jobs it still had in flight to
// the role's onDisconnect hook.
func (b *base) lostConnection(conn *Connection) {
	// Drain before Disconnect, which resets the related-jobs map.
	jobs := conn.DrainRelatedJobs()
	conn.Disconnect()
	b.pool.markLost(conn)
	for _, job := range jobs {
		b.hooks.onDisconnect(job)
	}
}

// startReader launches the per-connection goroutine that feeds decoded
// packets and completed admin responses into the shared results channel.
func (b *base) startReader(conn *Connection) {
	b.readers.Add(1)
	go func() {
		defer b.readers.Done()
		for {
			pkt, admin, err := conn.ReadNext()
			b.results <- readResult{conn: conn, pkt: pkt, admin: admin, err: err}
			if err != nil {
				return
			}
		}
	}()
}

// runPoller is the single goroutine that drains the shared results channel
// and dispatches each unit in turn.
func (b *base) runPoller() {
	for r := range b.results {
		if r.err != nil {
			b.logger.Debug("connection read failed", zap.Error(r.err), zap.Stringer("connection", r.conn))
			b.lostConnection(r.conn)
			continue
		}
		if r.admin != nil {
			r.admin.SetComplete()
			continue
		}
		b.dispatch(r.pkt, r.conn)
	}
}

func (b *base) dispatch(pkt *proto.Packet, conn *Connection) {
	handler, ok := b.handlers[pkt.Type]
	if !ok {
		b.logger.Debug("no handler registered for packet type", zap.Stringer("type", pkt.Type))
		return
	}
	start := time.Now()
	handler(pkt, conn)
	if b.reportTiming != nil {
		b.reportTiming(pkt.Type, time.Since(start))
	}
}

// runReconnector promotes inactive connections to active as they come up,
// backing off 2 seconds between failed sweeps (interruptibly, so shutdown
// is not delayed).
func (b *base) runReconnector() {
	for {
		b.pool.mu.Lock()
		for b.pool.running && len(b.pool.inactive) == 0 {
			b.pool.cond.Wait()
		}
		running := b.pool.running
		b.pool.mu.Unlock()
		if !running {
			return
		}

		promotedAny := b.reconnectSweep()
		if promotedAny {
			continue
		}

		select {
		case <-time.After(2 * time.Second):
		case <-b.shutdownCh:
			return
		}
	}
}

func (b *base) reconnectSweep() bool {
	promotedAny := false
	for _, conn := range b.pool.snapshotInactive() {
		if err := conn.Reconnect(); err != nil {
			b.logger.Debug("reconnect failed", zap.Error(err), zap.Stringer("connection", conn))
			continue
		}
		if err := b.hooks.onConnect(conn); err != nil {
			b.logger.Error("onConnect hook failed, leaving connection inactive",
				zap.Error(err), zap.Stringer("connection", conn))
			conn.Disconnect()
			continue
		}
		if !b.pool.isRunning() {
			conn.Disconnect()
			continue
		}
		b.pool.promote(conn)
		b.startReader(conn)
		b.hooks.onActiveConnection(conn)
		promotedAny = true
	}
	return promotedAny
}

// shutdown stops the reconnector and poller, disconnects every active
// connection (which unblocks their reader goroutines), and waits for the
// background goroutines to exit.
func (b *base) shutdown() error {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()

	select {
	case <-b.shutdownCh:
		return nil // already shut down
	default:
	}
	close(b.shutdownCh)

	b.pool.stop()
	for _, conn := range b.pool.snapshotActive() {
		conn.Disconnect()
	}
	b.readers.Wait()
	close(b.results)

	if err := b.group.Wait(); err != nil {
		return fmt.Errorf("gear: error during shutdown: %w", err)
	}
	return nil
}
