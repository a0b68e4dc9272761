package proto

import "bytes"

// terminator describes how an AdminRequest's response is framed on the
// wire: either a full-line-terminated block ending in a line containing
// only a dot, or a single line ending at the first newline.
type terminator int

const (
	terminatorDotBlock terminator = iota
	terminatorFirstLine
)

// AdminRequest is one line-based administrative request/response exchange.
// Variants differ only in their terminator rule: status/jobs/workers end
// on a line containing only ".", cancel job/version end at the first
// newline.
type AdminRequest struct {
	Command   []byte
	Arguments [][]byte
	Response  []byte

	term terminator
	done chan struct{}
}

func newAdminRequest(command string, term terminator, args ...[]byte) *AdminRequest {
	return &AdminRequest{
		Command:   []byte(command),
		Arguments: args,
		term:      term,
		done:      make(chan struct{}),
	}
}

// NewStatusRequest builds a "status" admin request.
func NewStatusRequest() *AdminRequest {
	return newAdminRequest("status", terminatorDotBlock)
}

// NewShowJobsRequest builds a "show jobs" admin request.
func NewShowJobsRequest() *AdminRequest {
	return newAdminRequest("show jobs", terminatorDotBlock)
}

// NewShowUniqueJobsRequest builds a "show unique jobs" admin request.
func NewShowUniqueJobsRequest() *AdminRequest {
	return newAdminRequest("show unique jobs", terminatorDotBlock)
}

// NewWorkersRequest builds a "workers" admin request.
func NewWorkersRequest() *AdminRequest {
	return newAdminRequest("workers", terminatorDotBlock)
}

// NewCancelJobRequest builds a "cancel job <handle>" admin request.
func NewCancelJobRequest(handle string) *AdminRequest {
	return newAdminRequest("cancel job", terminatorFirstLine, []byte(handle))
}

// NewVersionRequest builds a "version" admin request.
func NewVersionRequest() *AdminRequest {
	return newAdminRequest("version", terminatorFirstLine)
}

// CommandLine renders the request as the line to write to the socket:
// the command, any arguments, and a trailing newline.
func (r *AdminRequest) CommandLine() []byte {
	line := append([]byte{}, r.Command...)
	for _, arg := range r.Arguments {
		line = append(line, ' ')
		line = append(line, arg...)
	}
	line = append(line, '\n')
	return line
}

// isComplete checks whether data contains this request's terminator. It
// returns whether the response is complete and, if so, the unconsumed
// remainder of data that follows the terminator.
func (r *AdminRequest) isComplete(data []byte) (bool, []byte) {
	if r.term == terminatorFirstLine {
		if idx := bytes.IndexByte(data, '\n'); idx != -1 {
			x := idx + 1
			r.Response = append([]byte{}, data[:x]...)
			return true, data[x:]
		}
		return false, data
	}

	x := -1
	if idx := bytes.Index(data, []byte("\n.\n")); idx != -1 {
		x = idx + 3
	} else if idx := bytes.Index(data, []byte("\r\n.\r\n")); idx != -1 {
		x = idx + 5
	} else if bytes.HasPrefix(data, []byte(".\n")) {
		x = 2
	} else if bytes.HasPrefix(data, []byte(".\r\n")) {
		x = 3
	}
	if x == -1 {
		return false, data
	}
	r.Response = append([]byte{}, data[:x]...)
	return true, data[x:]
}

// SetComplete signals any caller blocked in Wait.
func (r *AdminRequest) SetComplete() {
	close(r.done)
}

// Wait blocks until SetComplete is called or the timeout channel fires,
// returning false in the latter case. A nil timeout channel waits forever.
func (r *AdminRequest) Wait(timeout <-chan struct{}) bool {
	select {
	case <-r.done:
		return true
	case <-timeout:
		return false
	}
}
