package gear

import (
	"fmt"
	"strconv"

	"github.com/bbrodriges/gear/proto"
)

// baseJob holds the fields common to a job a client submits and a job a
// worker is assigned.
type baseJob struct {
	Name      []byte
	Arguments []byte
	Unique    []byte
	Handle    []byte

	connection *Connection
}

func (j *baseJob) String() string {
	return fmt.Sprintf("<gear.Job handle: %s name: %s unique: %s>", j.Handle, j.Name, j.Unique)
}

// Job represents a job submitted by a Client, and is updated in place as
// responses arrive on its connection.
type Job struct {
	baseJob

	Data             [][]byte
	Exception        []byte
	Warning          bool
	Complete         bool
	Failure          bool
	Numerator        []byte
	Denominator      []byte
	FractionComplete *float64
	Known            *bool
	Running          *bool
}

// NewJob builds a job ready to be passed to Client.SubmitJob. unique may be
// nil if the caller does not need Gearman-side request coalescing.
func NewJob(name string, arguments []byte, unique []byte) *Job {
	j := &Job{}
	j.Name = []byte(name)
	j.Arguments = arguments
	j.Unique = unique
	return j
}

// Connection returns the connection the job was submitted on, or nil if it
// has not yet been submitted.
func (j *Job) Connection() *Connection { return j.connection }

// FunctionRecord describes a function a Worker should register, optionally
// with a server-enforced execution timeout (registered via CAN_DO_TIMEOUT
// instead of plain CAN_DO).
type FunctionRecord struct {
	Name    string
	Timeout int
}

// WorkerJob is a job assigned to a Worker by GetJob. Its Send* methods
// report progress and results back to the submitting client.
type WorkerJob struct {
	baseJob
}

func newWorkerJob(handle, name, arguments, unique []byte) *WorkerJob {
	j := &WorkerJob{}
	j.Handle = handle
	j.Name = name
	j.Arguments = arguments
	if len(unique) > 0 {
		j.Unique = unique
	}
	return j
}

// Connection returns the connection the job was received on.
func (j *WorkerJob) Connection() *Connection { return j.connection }

func (j *WorkerJob) sendFramed(t proto.PacketType, data []byte) error {
	payload := append(append([]byte{}, j.Handle...), 0)
	payload = append(payload, data...)
	return j.connection.SendPacket(proto.NewRequest(t, payload))
}

// SendWorkData reports intermediate data for the job.
func (j *WorkerJob) SendWorkData(data []byte) error {
	return j.sendFramed(proto.WORK_DATA, data)
}

// SendWorkWarning reports a warning for the job.
func (j *WorkerJob) SendWorkWarning(data []byte) error {
	return j.sendFramed(proto.WORK_WARNING, data)
}

// SendWorkStatus reports a numerator/denominator completion fraction.
func (j *WorkerJob) SendWorkStatus(numerator, denominator int) error {
	data := []byte(strconv.Itoa(numerator) + "\x00" + strconv.Itoa(denominator))
	payload := append(append([]byte{}, j.Handle...), 0)
	payload = append(payload, data...)
	return j.connection.SendPacket(proto.NewRequest(proto.WORK_STATUS, payload))
}

// SendWorkComplete reports the job's successful completion with result data.
func (j *WorkerJob) SendWorkComplete(data []byte) error {
	return j.sendFramed(proto.WORK_COMPLETE, data)
}

// SendWorkFail reports that the job failed.
func (j *WorkerJob) SendWorkFail() error {
	return j.connection.SendPacket(proto.NewRequest(proto.WORK_FAIL, j.Handle))
}

// SendWorkException reports that the job raised an exception.
func (j *WorkerJob) SendWorkException(data []byte) error {
	return j.sendFramed(proto.WORK_EXCEPTION, data)
}
