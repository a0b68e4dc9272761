package gear

import (
	"net"
	"testing"
	"time"

	"github.com/bbrodriges/gear/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainForever reads and discards everything written to conn, so that a
// background sender (e.g. the worker proactively sending GRAB_JOB_UNIQ)
// never blocks on an unread pipe in tests that don't care about that
// traffic.
func drainForever(conn net.Conn) {
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestWorkerGetJobReceivesAssignment(t *testing.T) {
	worker := NewWorker("test")
	defer worker.Shutdown()

	conn, server := pipedConnection(t)
	drainForever(server)
	conn.ChangeState(stateIdle)
	attachActive(t, worker.base, conn)

	type result struct {
		job *WorkerJob
		err error
	}
	got := make(chan result, 1)
	go func() {
		job, err := worker.GetJob()
		got <- result{job, err}
	}()

	// Give GetJob time to register as waiting and request a grab.
	require.Eventually(t, func() bool {
		worker.jobMu.Lock()
		defer worker.jobMu.Unlock()
		return worker.waitingForJobs > 0
	}, time.Second, 5*time.Millisecond)

	pkt := proto.NewRequest(proto.JOB_ASSIGN, []byte("H:1\x00reverse\x00hello"))
	worker.handleJobAssign(pkt, conn)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, []byte("H:1"), r.job.Handle)
		assert.Equal(t, []byte("reverse"), r.job.Name)
		assert.Equal(t, []byte("hello"), r.job.Arguments)
		assert.Same(t, conn, r.job.Connection())
	case <-time.After(time.Second):
		t.Fatal("GetJob did not return the assigned job")
	}
}

func TestWorkerGetJobUnique(t *testing.T) {
	worker := NewWorker("test")
	defer worker.Shutdown()

	conn, server := pipedConnection(t)
	drainForever(server)
	attachActive(t, worker.base, conn)

	worker.jobMu.Lock()
	worker.waitingForJobs++
	worker.jobMu.Unlock()

	pkt := proto.NewRequest(proto.JOB_ASSIGN_UNIQ, []byte("H:1\x00reverse\x00uniq-1\x00hello"))
	worker.handleJobAssignUnique(pkt, conn)

	job, err := worker.GetJob()
	require.NoError(t, err)
	assert.Equal(t, []byte("uniq-1"), job.Unique)
}

func TestWorkerStopWaitingForJobsInterruptsGetJob(t *testing.T) {
	worker := NewWorker("test")
	defer worker.Shutdown()

	type result struct {
		job *WorkerJob
		err error
	}
	got := make(chan result, 1)
	go func() {
		job, err := worker.GetJob()
		got <- result{job, err}
	}()

	require.Eventually(t, func() bool {
		worker.jobMu.Lock()
		defer worker.jobMu.Unlock()
		return worker.waitingForJobs > 0
	}, time.Second, 5*time.Millisecond)

	worker.StopWaitingForJobs()

	select {
	case r := <-got:
		assert.Nil(t, r.job)
		assert.ErrorIs(t, r.err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("StopWaitingForJobs did not release GetJob")
	}
}

func TestWorkerHandleNoopSendsGrabJobUniqWhenAsleep(t *testing.T) {
	worker := NewWorker("test")
	defer worker.Shutdown()

	conn, server := pipedConnection(t)
	conn.ChangeState(stateSleep)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		received <- buf[:n]
	}()

	worker.handleNoop(proto.NewRequest(proto.NOOP, nil), conn)

	select {
	case data := <-received:
		gotType := proto.PacketType(int32(data[4])<<24 | int32(data[5])<<16 | int32(data[6])<<8 | int32(data[7]))
		assert.Equal(t, proto.GRAB_JOB_UNIQ, gotType)
	case <-time.After(time.Second):
		t.Fatal("handleNoop did not send GRAB_JOB_UNIQ")
	}
	assert.Equal(t, stateGrabWait, conn.State())
}

func TestWorkerRegisterFunctionBroadcastsCanDo(t *testing.T) {
	worker := NewWorker("test")
	defer worker.Shutdown()

	conn, server := pipedConnection(t)
	attachActive(t, worker.base, conn)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		received <- buf[:n]
	}()

	worker.RegisterFunction("reverse", 0)

	select {
	case data := <-received:
		assert.Contains(t, string(data), "reverse")
	case <-time.After(time.Second):
		t.Fatal("RegisterFunction did not broadcast CAN_DO")
	}
}
