package proto

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdminQueue struct {
	pending []*AdminRequest
}

func (q *fakeAdminQueue) PopFront() (*AdminRequest, bool) {
	if len(q.pending) == 0 {
		return nil, false
	}
	r := q.pending[0]
	q.pending = q.pending[1:]
	return r, true
}

func (q *fakeAdminQueue) PushFront(r *AdminRequest) {
	q.pending = append([]*AdminRequest{r}, q.pending...)
}

func TestDecoderDecodesBinaryPacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pkt := NewRequest(JOB_CREATED, []byte("H:1"))
	go func() {
		server.Write(pkt.Encode())
	}()

	d := NewDecoder(client)
	got, admin, err := d.Next(&fakeAdminQueue{})
	require.NoError(t, err)
	assert.Nil(t, admin)
	require.NotNil(t, got)
	assert.Equal(t, JOB_CREATED, got.Type)
	assert.Equal(t, []byte("H:1"), got.Payload)
}

func TestDecoderHandlesSplitHeaderAndPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pkt := NewRequest(WORK_COMPLETE, []byte("H:1\x00olleh"))
	encoded := pkt.Encode()

	go func() {
		// Dribble the bytes out a few at a time to exercise the resumable
		// decoder's need_bytes path.
		for i := 0; i < len(encoded); i += 3 {
			end := i + 3
			if end > len(encoded) {
				end = len(encoded)
			}
			server.Write(encoded[i:end])
			time.Sleep(time.Millisecond)
		}
	}()

	d := NewDecoder(client)
	got, _, err := d.Next(&fakeAdminQueue{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, WORK_COMPLETE, got.Type)
	assert.Equal(t, []byte("H:1\x00olleh"), got.Payload)
}

func TestDecoderFramesAdminResponseAgainstQueueHead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	req := NewStatusRequest()
	queue := &fakeAdminQueue{pending: []*AdminRequest{req}}

	go func() {
		server.Write([]byte("func\t1\t0\t1\n.\n"))
	}()

	d := NewDecoder(client)
	pkt, admin, err := d.Next(queue)
	require.NoError(t, err)
	assert.Nil(t, pkt)
	require.NotNil(t, admin)
	assert.Same(t, req, admin)
	assert.Equal(t, []byte("func\t1\t0\t1\n.\n"), admin.Response)
}

func TestDecoderReturnsErrorOnUnexpectedAdminResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("unexpected\n.\n"))
	}()

	d := NewDecoder(client)
	_, _, err := d.Next(&fakeAdminQueue{})
	assert.Error(t, err)
}

func TestDecoderReturnsEOFOnClosedConnection(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	d := NewDecoder(client)
	_, _, err := d.Next(&fakeAdminQueue{})
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderMultiplePacketsInOneRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	p1 := NewRequest(NOOP, nil).Encode()
	p2 := NewRequest(NO_JOB, nil).Encode()

	go func() {
		server.Write(append(p1, p2...))
	}()

	d := NewDecoder(client)
	got1, _, err := d.Next(&fakeAdminQueue{})
	require.NoError(t, err)
	assert.Equal(t, NOOP, got1.Type)
	assert.True(t, d.HasPendingData())

	got2, _, err := d.Next(&fakeAdminQueue{})
	require.NoError(t, err)
	assert.Equal(t, NO_JOB, got2.Type)
	assert.False(t, d.HasPendingData())
}
