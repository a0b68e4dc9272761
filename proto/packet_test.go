package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketEncodeLengthAndLeadingNUL(t *testing.T) {
	p := NewRequest(SUBMIT_JOB, []byte("reverse\x00\x00hello"))
	encoded := p.Encode()

	assert.Equal(t, HeaderSize+len(p.Payload), len(encoded))
	assert.Equal(t, byte(0x00), encoded[0])
}

func TestPacketArgumentSplitsOnNUL(t *testing.T) {
	p := &Packet{Payload: []byte("reverse\x00unique-1\x00hel\x00lo")}

	assert.Equal(t, []byte("reverse"), p.Argument(0, false))
	assert.Equal(t, []byte("unique-1"), p.Argument(1, false))
	// The final argument, read with rest=true, is not split further even
	// though it contains embedded NULs.
	assert.Equal(t, []byte("hel\x00lo"), p.Argument(2, true))
}

func TestPacketArgumentOutOfRange(t *testing.T) {
	p := &Packet{Payload: []byte("only-one")}
	assert.Nil(t, p.Argument(5, false))
}

func TestPacketStringIncludesHandleForWorkPackets(t *testing.T) {
	p := &Packet{Type: WORK_COMPLETE, Payload: []byte("H:1\x00result")}
	assert.Contains(t, p.String(), "handle: H:1")
}

func TestSubmitTypeMatrix(t *testing.T) {
	cases := []struct {
		background bool
		precedence Precedence
		want       PacketType
	}{
		{false, PrecedenceNormal, SUBMIT_JOB},
		{false, PrecedenceLow, SUBMIT_JOB_LOW},
		{false, PrecedenceHigh, SUBMIT_JOB_HIGH},
		{true, PrecedenceNormal, SUBMIT_JOB_BG},
		{true, PrecedenceLow, SUBMIT_JOB_LOW_BG},
		{true, PrecedenceHigh, SUBMIT_JOB_HIGH_BG},
	}
	for _, c := range cases {
		got, ok := SubmitType(c.background, c.precedence)
		assert.True(t, ok)
		assert.Equal(t, c.want, got)
	}
}

func TestSubmitTypeInvalidPrecedence(t *testing.T) {
	_, ok := SubmitType(false, Precedence(99))
	assert.False(t, ok)
}
