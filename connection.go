package gear

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bbrodriges/gear/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connection state labels used by Worker's sleep/grab state machine. A
// connection not used by a Worker stays in stateInit for its whole life.
const (
	stateInit     = "INIT"
	stateIdle     = "IDLE"
	stateGrabWait = "GRAB_WAIT"
	stateSleep    = "SLEEP"
)

// Connection is a single TCP (optionally TLS) connection to a Gearman
// server. It owns the framing decoder, the FIFOs needed to correlate
// requests with responses on this socket, and the per-connection state a
// Worker's sleep/grab loop tracks.
type Connection struct {
	Host string
	Port int

	clientID  string
	tlsConfig *tls.Config
	logger    *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	decoder   *proto.Decoder
	connected bool

	state     string
	stateTime time.Time

	pendingTasks []*task
	adminQueue   []*proto.AdminRequest
	relatedJobs  map[string]*Job
	options      map[string]bool

	echoMu      sync.Mutex
	echoWaiters map[string]chan struct{}
}

func newConnection(host string, port int, tlsConfig *tls.Config, clientID string, logger *zap.Logger) *Connection {
	return &Connection{
		Host:        host,
		Port:        port,
		tlsConfig:   tlsConfig,
		clientID:    clientID,
		logger:      logger.With(zap.String("connection", fmt.Sprintf("%s:%d", host, port))),
		state:       stateInit,
		stateTime:   time.Now(),
		relatedJobs: make(map[string]*Job),
		options:     make(map[string]bool),
		echoWaiters: make(map[string]chan struct{}),
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("<gear.Connection %s:%d>", c.Host, c.Port)
}

// Connect dials the server. net.Dialer already tries each resolved address
// for the hostname in turn (racing IPv6 against IPv4 per Happy Eyeballs),
// so there is no need to iterate DNS results by hand the way a
// select()-based client must.
func (c *Connection) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, c.tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return &ConnectionError{Host: c.Host, Port: c.Port, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.decoder = proto.NewDecoder(conn)
	c.connected = true
	c.resetStateLocked()
	c.mu.Unlock()

	c.logger.Debug("connected")
	return nil
}

// resetStateLocked clears every piece of mutable per-connection state back
// to its freshly-constructed value. Callers must hold mu.
func (c *Connection) resetStateLocked() {
	c.adminQueue = nil
	c.relatedJobs = make(map[string]*Job)
	c.pendingTasks = nil
	c.options = make(map[string]bool)
	c.state = stateInit
	c.stateTime = time.Now()
}

// Disconnect closes the underlying socket, if any, and resets all mutable
// per-connection state (related jobs, pending tasks, admin queue, options,
// echo waiters, and the sleep/grab state). It is safe to call on an
// already-disconnected connection, and idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.resetStateLocked()
	c.mu.Unlock()

	c.echoMu.Lock()
	c.echoWaiters = make(map[string]chan struct{})
	c.echoMu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Reconnect disconnects (if necessary) and connects again.
func (c *Connection) Reconnect() error {
	c.Disconnect()
	return c.Connect()
}

// Connected reports whether the connection currently has a live socket.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendPacket writes a binary packet to the socket.
func (c *Connection) SendPacket(p *proto.Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrNoConnectedServers)
	}
	c.logger.Debug("sending packet", zap.Stringer("packet", p))
	_, err := conn.Write(p.Encode())
	return err
}

// SendAdminRequest writes an admin command line to the socket, enqueues the
// request so the decoder can frame its response, and blocks until that
// response is complete or timeout elapses (<=0 means wait forever). It
// returns ErrTimeout if the response does not arrive in time.
func (c *Connection) SendAdminRequest(req *proto.AdminRequest, timeout time.Duration) error {
	c.mu.Lock()
	conn := c.conn
	c.adminQueue = append(c.adminQueue, req)
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrNoConnectedServers)
	}
	if _, err := conn.Write(req.CommandLine()); err != nil {
		return err
	}

	var timeoutCh chan struct{}
	if timeout > 0 {
		timeoutCh = make(chan struct{})
		timer := time.AfterFunc(timeout, func() { close(timeoutCh) })
		defer timer.Stop()
	}
	if !req.Wait(timeoutCh) {
		return ErrTimeout
	}
	return nil
}

// ReadNext decodes the next binary packet or completed admin response from
// the socket. It blocks on the underlying Read.
func (c *Connection) ReadNext() (*proto.Packet, *proto.AdminRequest, error) {
	c.mu.Lock()
	decoder := c.decoder
	c.mu.Unlock()
	if decoder == nil {
		return nil, nil, fmt.Errorf("%w: not connected", ErrNoConnectedServers)
	}
	return decoder.Next(c)
}

// PopFront and PushFront implement proto.AdminQueue, letting the Decoder
// frame admin responses against this connection's FIFO of outstanding
// requests.
func (c *Connection) PopFront() (*proto.AdminRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.adminQueue) == 0 {
		return nil, false
	}
	r := c.adminQueue[0]
	c.adminQueue = c.adminQueue[1:]
	return r, true
}

func (c *Connection) PushFront(r *proto.AdminRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminQueue = append([]*proto.AdminRequest{r}, c.adminQueue...)
}

// PushPendingTask appends a task to the FIFO of requests awaiting a
// correlated response on this connection.
func (c *Connection) PushPendingTask(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingTasks = append(c.pendingTasks, t)
}

// PopPendingTask removes and returns the oldest pending task.
func (c *Connection) PopPendingTask() (*task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingTasks) == 0 {
		return nil, false
	}
	t := c.pendingTasks[0]
	c.pendingTasks = c.pendingTasks[1:]
	return t, true
}

// RelatedJob looks up the Job a server response handle refers to.
func (c *Connection) RelatedJob(handle []byte) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.relatedJobs[string(handle)]
	return j, ok
}

// SetRelatedJob records that handle now refers to job, for correlating
// later WORK_* / STATUS_RES packets.
func (c *Connection) SetRelatedJob(handle []byte, job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relatedJobs[string(handle)] = job
}

// DeleteRelatedJob drops the handle->job association once a job reaches a
// terminal state.
func (c *Connection) DeleteRelatedJob(handle []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relatedJobs, string(handle))
}

// DrainRelatedJobs removes and returns every job still associated with this
// connection, for surfacing to the disconnect hook when the connection is
// lost.
func (c *Connection) DrainRelatedJobs() []*Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobs := make([]*Job, 0, len(c.relatedJobs))
	for _, j := range c.relatedJobs {
		jobs = append(jobs, j)
	}
	c.relatedJobs = make(map[string]*Job)
	return jobs
}

// ChangeState updates the worker sleep/grab state label and its timestamp.
func (c *Connection) ChangeState(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		c.logger.Debug("state change", zap.String("from", c.state), zap.String("to", s))
	}
	c.state = s
	c.stateTime = time.Now()
}

// State returns the current worker sleep/grab state label.
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateTime returns when the state was last changed, used to detect a
// connection stuck in GRAB_WAIT.
func (c *Connection) StateTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateTime
}

// handleOptionRes records that the server acknowledged an option.
func (c *Connection) handleOptionRes(option []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options[string(option)] = true
}

// HasOption reports whether the server has acknowledged the named option
// on this connection.
func (c *Connection) HasOption(option string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options[option]
}

// Echo sends an ECHO_REQ carrying payload and blocks until the matching
// ECHO_RES arrives or timeout elapses. A late ECHO_RES that arrives after
// the wait already gave up finds no registered waiter and is silently
// dropped, rather than being reported as a (stale) success.
func (c *Connection) Echo(payload []byte, timeout time.Duration) error {
	key := string(payload)
	waiter := make(chan struct{})

	c.echoMu.Lock()
	c.echoWaiters[key] = waiter
	c.echoMu.Unlock()

	if err := c.SendPacket(proto.NewRequest(proto.ECHO_REQ, payload)); err != nil {
		c.echoMu.Lock()
		delete(c.echoWaiters, key)
		c.echoMu.Unlock()
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return nil
	case <-timer.C:
		c.echoMu.Lock()
		delete(c.echoWaiters, key)
		c.echoMu.Unlock()
		return ErrTimeout
	}
}

// EchoRandom is Echo with a fresh random payload, for callers that just want
// to verify the round trip without correlating a caller-chosen value.
func (c *Connection) EchoRandom(timeout time.Duration) error {
	return c.Echo([]byte(uuid.NewString()), timeout)
}

// handleEchoRes wakes the waiter registered for this payload, if the wait
// has not already timed out and removed it.
func (c *Connection) handleEchoRes(payload []byte) {
	key := string(payload)
	c.echoMu.Lock()
	waiter, ok := c.echoWaiters[key]
	if ok {
		delete(c.echoWaiters, key)
	}
	c.echoMu.Unlock()
	if ok {
		close(waiter)
	}
}
