package gear

import (
	"fmt"
	"sync"
	"time"

	"github.com/bbrodriges/gear/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client submits jobs to a pool of Gearman servers and tracks their
// progress. It is safe for concurrent use by multiple goroutines.
type Client struct {
	*base

	optionsMu sync.Mutex
	options   map[string]bool
}

// NewClient builds a Client identified to Gearman servers as clientID. A
// Client (unlike a Worker) never sends SET_CLIENT_ID, so clientID only
// scopes its logger name; if empty, a random suffix is generated so
// concurrent anonymous clients still log under distinct names. The
// background reconnector and dispatcher start immediately; call AddServer
// to give it somewhere to connect.
func NewClient(clientID string, opts ...Option) *Client {
	if clientID == "" {
		clientID = "anon-" + uuid.NewString()
	}
	cfg := newConfig(opts...)
	c := &Client{options: make(map[string]bool)}
	c.base = newBase(clientID, cfg.logger.Named("gear.Client."+clientID), c)
	c.base.reportTiming = cfg.reportTiming
	registerCommonHandlers(c.base)
	c.registerHandler(proto.JOB_CREATED, c.handleJobCreated)
	c.registerHandler(proto.WORK_COMPLETE, c.handleWorkComplete)
	c.registerHandler(proto.WORK_FAIL, c.handleWorkFail)
	c.registerHandler(proto.WORK_EXCEPTION, c.handleWorkException)
	c.registerHandler(proto.WORK_DATA, c.handleWorkData)
	c.registerHandler(proto.WORK_WARNING, c.handleWorkWarning)
	c.registerHandler(proto.WORK_STATUS, c.handleWorkStatus)
	c.registerHandler(proto.STATUS_RES, c.handleStatusRes)
	c.registerHandler(proto.OPTION_RES, c.handleOptionRes)
	return c
}

// AddServer registers a Gearman server with the client's connection pool.
// tlsCfg may be nil for a plaintext connection.
func (c *Client) AddServer(host string, port int, tlsCfg *TLSConfig) error {
	return c.base.addServer(host, port, tlsCfg)
}

// WaitForServer blocks until at least one server is connected, or timeout
// elapses (<=0 waits forever).
func (c *Client) WaitForServer(timeout time.Duration) error {
	return c.base.waitForServer(timeout)
}

// Shutdown stops the client's background goroutines and closes every
// active connection.
func (c *Client) Shutdown() error {
	return c.base.shutdown()
}

func (c *Client) onConnect(conn *Connection) error {
	c.optionsMu.Lock()
	defer c.optionsMu.Unlock()
	for name := range c.options {
		task := newOptionTask()
		conn.PushPendingTask(task)
		if err := c.sendPacket(proto.NewRequest(proto.OPTION_REQ, []byte(name)), conn); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) onActiveConnection(conn *Connection) {}

func (c *Client) onDisconnect(job *Job) {
	c.handleDisconnect(job)
}

// handleDisconnect is called for every job that was in flight on a
// connection that was just lost. It does nothing: the job is not marked
// complete or failed, and no user code is notified. A type that embeds
// Client cannot replace it, since onDisconnect always calls this method.
func (c *Client) handleDisconnect(job *Job) {}

// SetOption sets an option on every currently active connection (and every
// connection that becomes active later). It returns false if any
// connection answered without acknowledging the option. Connections that
// fail to send or time out are dropped and do not make it return false.
func (c *Client) SetOption(name string, timeout time.Duration) bool {
	type pending struct {
		task *task
		conn *Connection
	}

	c.optionsMu.Lock()
	c.options[name] = true
	connections := c.pool.snapshotActive()
	var tasks []pending
	for _, conn := range connections {
		task := newOptionTask()
		conn.PushPendingTask(task)
		if err := c.sendPacket(proto.NewRequest(proto.OPTION_REQ, []byte(name)), conn); err != nil {
			continue
		}
		tasks = append(tasks, pending{task, conn})
	}
	c.optionsMu.Unlock()

	success := true
	for _, p := range tasks {
		if !p.task.wait(timeout) {
			c.logger.Error("connection timed out waiting for option response",
				zap.Stringer("connection", p.conn), zap.String("option", name))
			c.lostConnection(p.conn)
			continue
		}
		if !p.conn.HasOption(name) {
			success = false
		}
	}
	return success
}

// SubmitJob submits job to the next server in round-robin order, retrying
// against every other currently active connection if the chosen one times
// out or drops. It blocks until a server has acknowledged the job with
// JOB_CREATED, for background and foreground jobs alike; later WORK_*
// responses for a foreground job update it in place (the caller should
// watch job.Complete).
func (c *Client) SubmitJob(job *Job, background bool, precedence proto.Precedence, timeout time.Duration) error {
	unique := job.Unique
	data := append(append(append([]byte{}, job.Name...), 0), unique...)
	data = append(data, 0)
	data = append(data, job.Arguments...)

	cmd, ok := proto.SubmitType(background, precedence)
	if !ok {
		return fmt.Errorf("%w: invalid precedence value", ErrConfiguration)
	}
	packet := proto.NewRequest(cmd, data)

	attempted := make(map[*Connection]bool)
	for {
		active := c.pool.snapshotActive()
		if allAttempted(active, attempted) {
			break
		}
		conn, err := c.getConnection()
		if err != nil {
			break
		}
		if attempted[conn] {
			continue
		}
		attempted[conn] = true

		task := newSubmitJobTask(job)
		conn.PushPendingTask(task)
		if err := c.sendPacket(packet, conn); err != nil {
			continue
		}

		if !task.wait(timeout) {
			c.logger.Error("connection timed out waiting for submit job response",
				zap.Stringer("connection", conn), zap.Stringer("job", job))
			c.lostConnection(conn)
			continue
		}
		if len(job.Handle) == 0 {
			c.logger.Error("connection sent an error in response to a submit job request",
				zap.Stringer("connection", conn), zap.Stringer("job", job))
			continue
		}
		job.connection = conn
		return nil
	}
	return fmt.Errorf("%w: unable to submit job to any connected server", ErrProtocolFailure)
}

func allAttempted(active []*Connection, attempted map[*Connection]bool) bool {
	if len(active) == 0 {
		return true
	}
	for _, conn := range active {
		if !attempted[conn] {
			return false
		}
	}
	return true
}

func (c *Client) jobForHandle(conn *Connection, handle []byte) (*Job, error) {
	job, ok := conn.RelatedJob(handle)
	if !ok {
		return nil, fmt.Errorf("%w: handle %s", ErrUnknownJob, handle)
	}
	return job, nil
}

func (c *Client) handleJobCreated(pkt *proto.Packet, conn *Connection) {
	t, ok := conn.PopPendingTask()
	if !ok || t.job == nil {
		c.logger.Error("unexpected response to submit job request", zap.Stringer("packet", pkt))
		c.lostConnection(conn)
		return
	}
	job := t.job
	job.Handle = append([]byte{}, pkt.Payload...)
	conn.SetRelatedJob(job.Handle, job)
	t.setComplete()
	c.logger.Debug("job created", zap.Stringer("job", job))
}

func (c *Client) handleWorkComplete(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("work complete for unknown job", zap.Error(err))
		return
	}
	if data := pkt.Argument(1, true); len(data) > 0 {
		job.Data = append(job.Data, data)
	}
	job.Complete = true
	job.Failure = false
	conn.DeleteRelatedJob(job.Handle)
}

func (c *Client) handleWorkFail(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("work fail for unknown job", zap.Error(err))
		return
	}
	job.Complete = true
	job.Failure = true
	conn.DeleteRelatedJob(job.Handle)
}

func (c *Client) handleWorkException(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("work exception for unknown job", zap.Error(err))
		return
	}
	job.Exception = pkt.Argument(1, true)
	job.Complete = true
	job.Failure = true
	conn.DeleteRelatedJob(job.Handle)
}

func (c *Client) handleWorkData(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("work data for unknown job", zap.Error(err))
		return
	}
	if data := pkt.Argument(1, true); len(data) > 0 {
		job.Data = append(job.Data, data)
	}
}

func (c *Client) handleWorkWarning(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("work warning for unknown job", zap.Error(err))
		return
	}
	if data := pkt.Argument(1, true); len(data) > 0 {
		job.Data = append(job.Data, data)
	}
	job.Warning = true
}

func (c *Client) handleWorkStatus(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("work status for unknown job", zap.Error(err))
		return
	}
	job.Numerator = pkt.Argument(1, false)
	job.Denominator = pkt.Argument(2, false)
	job.FractionComplete = fraction(job.Numerator, job.Denominator)
}

func (c *Client) handleStatusRes(pkt *proto.Packet, conn *Connection) {
	job, err := c.jobForHandle(conn, pkt.Argument(0, false))
	if err != nil {
		c.logger.Error("status response for unknown job", zap.Error(err))
		return
	}
	known := string(pkt.Argument(1, false)) == "1"
	running := string(pkt.Argument(2, false)) == "1"
	job.Known = &known
	job.Running = &running
	job.Numerator = pkt.Argument(3, false)
	job.Denominator = pkt.Argument(4, false)
	job.FractionComplete = fraction(job.Numerator, job.Denominator)
}

func (c *Client) handleOptionRes(pkt *proto.Packet, conn *Connection) {
	t, ok := conn.PopPendingTask()
	if !ok || t.job != nil {
		c.logger.Error("unexpected response to option request", zap.Stringer("packet", pkt))
		c.lostConnection(conn)
		return
	}
	conn.handleOptionRes(pkt.Argument(0, false))
	t.setComplete()
}
