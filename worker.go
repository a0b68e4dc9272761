package gear

import (
	"strconv"
	"sync"
	"time"

	"github.com/bbrodriges/gear/proto"
	"go.uber.org/zap"
)

// Worker grabs jobs from a pool of Gearman servers and reports their
// results back. GetJob is safe to call concurrently from multiple
// goroutines; each call retrieves one assigned job.
type Worker struct {
	*base

	fnMu      sync.Mutex
	functions map[string]*FunctionRecord

	jobMu          sync.Mutex
	jobCond        *sync.Cond
	waitingForJobs int
	jobQueue       []*WorkerJob // a nil entry is an interrupt signal, see StopWaitingForJobs
	running        bool
}

// NewWorker builds a Worker identified to Gearman servers as clientID.
// clientID must be non-empty; WithWorkerID is a deprecated fallback used
// only when clientID is "". It panics if neither supplies an id, the same
// construction-time failure the original library raises.
func NewWorker(clientID string, opts ...Option) *Worker {
	cfg := newConfig(opts...)
	if clientID == "" {
		clientID = cfg.workerID
	}
	if clientID == "" {
		panic("gear: a client id must be provided")
	}

	w := &Worker{
		functions: make(map[string]*FunctionRecord),
		running:   true,
	}
	w.jobCond = sync.NewCond(&w.jobMu)
	w.base = newBase(clientID, cfg.logger.Named("gear.Worker."+clientID), w)
	w.base.reportTiming = cfg.reportTiming
	registerCommonHandlers(w.base)
	w.registerHandler(proto.NOOP, w.handleNoop)
	w.registerHandler(proto.NO_JOB, w.handleNoJob)
	w.registerHandler(proto.JOB_ASSIGN, w.handleJobAssign)
	w.registerHandler(proto.JOB_ASSIGN_UNIQ, w.handleJobAssignUnique)
	return w
}

// AddServer registers a Gearman server with the worker's connection pool.
func (w *Worker) AddServer(host string, port int, tlsCfg *TLSConfig) error {
	return w.base.addServer(host, port, tlsCfg)
}

// WaitForServer blocks until at least one server is connected.
func (w *Worker) WaitForServer(timeout time.Duration) error {
	return w.base.waitForServer(timeout)
}

// RegisterFunction registers a function with every connected (and future)
// server. A positive timeout registers the function with CAN_DO_TIMEOUT.
func (w *Worker) RegisterFunction(name string, timeout int) {
	w.fnMu.Lock()
	defer w.fnMu.Unlock()
	w.functions[name] = &FunctionRecord{Name: name, Timeout: timeout}
	w.broadcast(canDoPacket(name, timeout))
}

// UnRegisterFunction removes a function from Gearman's registry.
func (w *Worker) UnRegisterFunction(name string) {
	w.fnMu.Lock()
	defer w.fnMu.Unlock()
	delete(w.functions, name)
	w.broadcast(proto.NewRequest(proto.CANT_DO, []byte(name)))
}

// SetFunctions replaces the complete set of registered functions.
func (w *Worker) SetFunctions(functions []*FunctionRecord) {
	w.fnMu.Lock()
	defer w.fnMu.Unlock()
	w.broadcast(proto.NewRequest(proto.RESET_ABILITIES, nil))
	w.functions = make(map[string]*FunctionRecord, len(functions))
	for _, f := range functions {
		w.functions[f.Name] = f
	}
	for _, f := range w.functions {
		w.broadcast(canDoPacket(f.Name, f.Timeout))
	}
}

func canDoPacket(name string, timeout int) *proto.Packet {
	if timeout > 0 {
		data := append([]byte(name), 0)
		data = append(data, []byte(strconv.Itoa(timeout))...)
		return proto.NewRequest(proto.CAN_DO_TIMEOUT, data)
	}
	return proto.NewRequest(proto.CAN_DO, []byte(name))
}

// GetJob blocks until a job is assigned to this worker. It is re-entrant:
// when called from multiple goroutines, one of them receives each
// assignment at random. It returns ErrInterrupted if StopWaitingForJobs (or
// Shutdown) releases the wait before a job arrives.
func (w *Worker) GetJob() (*WorkerJob, error) {
	w.jobMu.Lock()

	// running is cleared (under jobMu) right before Shutdown calls
	// StopWaitingForJobs, so checking it here closes the race window
	// between a fresh GetJob call and a Shutdown in progress.
	if !w.running {
		w.jobMu.Unlock()
		return nil, ErrInterrupted
	}

	w.waitingForJobs++

	if len(w.jobQueue) == 0 {
		w.updateStateMachinesLocked()
		for len(w.jobQueue) == 0 {
			w.jobCond.Wait()
		}
	}
	job := w.jobQueue[0]
	w.jobQueue = w.jobQueue[1:]
	w.jobMu.Unlock()

	if job == nil {
		return nil, ErrInterrupted
	}
	return job, nil
}

// StopWaitingForJobs interrupts every blocked GetJob call, each of which
// will return ErrInterrupted.
func (w *Worker) StopWaitingForJobs() {
	w.jobMu.Lock()
	for {
		ok := true
		now := time.Now()
		for _, conn := range w.pool.snapshotActive() {
			if conn.State() != stateGrabWait {
				continue
			}
			if now.Sub(conn.StateTime()) > 5*time.Second {
				w.lostConnection(conn)
			} else {
				ok = false
			}
		}
		if ok {
			break
		}
		w.jobMu.Unlock()
		time.Sleep(100 * time.Millisecond)
		w.jobMu.Lock()
	}

	for w.waitingForJobs > 0 {
		w.waitingForJobs--
		w.jobQueue = append(w.jobQueue, nil)
		w.jobCond.Signal()
	}
	w.updateStateMachinesLocked()
	w.jobMu.Unlock()
}

// Shutdown releases any goroutine blocked in GetJob, then stops the
// worker's background goroutines and closes every active connection.
func (w *Worker) Shutdown() error {
	w.jobMu.Lock()
	w.running = false
	w.jobMu.Unlock()

	w.StopWaitingForJobs()
	return w.base.shutdown()
}

// updateStateMachinesLocked drives each active connection's sleep/grab
// state machine to match the current demand for jobs. Callers must hold
// jobMu.
func (w *Worker) updateStateMachinesLocked() {
	for _, conn := range w.pool.snapshotActive() {
		if conn.State() == stateIdle && w.waitingForJobs > 0 {
			w.sendGrabJobUniq(conn)
			conn.ChangeState(stateGrabWait)
		}
		if conn.State() != stateIdle && w.waitingForJobs < 1 {
			conn.ChangeState(stateIdle)
		}
	}
}

func (w *Worker) sendGrabJobUniq(conn *Connection) {
	w.sendPacket(proto.NewRequest(proto.GRAB_JOB_UNIQ, nil), conn)
}

func (w *Worker) sendPreSleep(conn *Connection) {
	w.sendPacket(proto.NewRequest(proto.PRE_SLEEP, nil), conn)
}

func (w *Worker) onConnect(conn *Connection) error {
	w.fnMu.Lock()
	defer w.fnMu.Unlock()

	if err := conn.SendPacket(proto.NewRequest(proto.SET_CLIENT_ID, []byte(w.clientID))); err != nil {
		return err
	}
	for _, f := range w.functions {
		if err := conn.SendPacket(canDoPacket(f.Name, f.Timeout)); err != nil {
			return err
		}
	}
	conn.ChangeState(stateIdle)
	return nil
}

func (w *Worker) onActiveConnection(conn *Connection) {
	w.jobMu.Lock()
	defer w.jobMu.Unlock()
	if w.waitingForJobs > 0 {
		w.updateStateMachinesLocked()
	}
}

// onDisconnect is a no-op for Worker: unlike Client, a worker's assigned
// jobs are never recorded in a connection's related-jobs map, so there is
// nothing to surface when a connection is lost.
func (w *Worker) onDisconnect(job *Job) {}

func (w *Worker) handleNoop(pkt *proto.Packet, conn *Connection) {
	w.jobMu.Lock()
	defer w.jobMu.Unlock()
	if conn.State() == stateSleep {
		w.sendGrabJobUniq(conn)
		conn.ChangeState(stateGrabWait)
	} else {
		w.logger.Debug("received unexpected NOOP packet", zap.Stringer("connection", conn))
	}
}

func (w *Worker) handleNoJob(pkt *proto.Packet, conn *Connection) {
	w.jobMu.Lock()
	defer w.jobMu.Unlock()
	if conn.State() == stateGrabWait {
		w.sendPreSleep(conn)
		conn.ChangeState(stateSleep)
	} else {
		w.logger.Debug("received unexpected NO_JOB packet", zap.Stringer("connection", conn))
	}
}

func (w *Worker) handleJobAssign(pkt *proto.Packet, conn *Connection) {
	handle := pkt.Argument(0, false)
	name := pkt.Argument(1, false)
	arguments := pkt.Argument(2, true)
	w.handleJobAssignment(conn, handle, name, arguments, nil)
}

func (w *Worker) handleJobAssignUnique(pkt *proto.Packet, conn *Connection) {
	handle := pkt.Argument(0, false)
	name := pkt.Argument(1, false)
	unique := pkt.Argument(2, false)
	arguments := pkt.Argument(3, true)
	var u []byte
	if len(unique) > 0 {
		u = unique
	}
	w.handleJobAssignment(conn, handle, name, arguments, u)
}

func (w *Worker) handleJobAssignment(conn *Connection, handle, name, arguments, unique []byte) {
	job := newWorkerJob(
		append([]byte{}, handle...),
		append([]byte{}, name...),
		append([]byte{}, arguments...),
		unique,
	)
	job.connection = conn

	w.jobMu.Lock()
	conn.ChangeState(stateIdle)
	w.waitingForJobs--
	w.jobQueue = append(w.jobQueue, job)
	w.jobCond.Signal()
	w.logger.Debug("job assigned", zap.Int("waiting_for_jobs", w.waitingForJobs))
	w.updateStateMachinesLocked()
	w.jobMu.Unlock()
}
