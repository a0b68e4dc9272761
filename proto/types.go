// Package proto implements the Gearman binary wire protocol and the
// line-based administrative protocol that share the same TCP connection.
package proto

// PacketType identifies the kind of a binary packet. Values match the
// Gearman wire protocol numeric codes, so they may not be reordered.
type PacketType int32

const (
	CAN_DO PacketType = iota + 1
	CANT_DO
	RESET_ABILITIES
	PRE_SLEEP
	_unused5
	NOOP
	SUBMIT_JOB
	JOB_CREATED
	GRAB_JOB
	NO_JOB
	JOB_ASSIGN
	WORK_STATUS
	WORK_COMPLETE
	WORK_FAIL
	GET_STATUS
	ECHO_REQ
	ECHO_RES
	SUBMIT_JOB_BG
	ERROR
	STATUS_RES
	SUBMIT_JOB_HIGH
	SET_CLIENT_ID
	CAN_DO_TIMEOUT
	ALL_YOURS
	WORK_EXCEPTION
	OPTION_REQ
	OPTION_RES
	WORK_DATA
	WORK_WARNING
	GRAB_JOB_UNIQ
	JOB_ASSIGN_UNIQ
	SUBMIT_JOB_HIGH_BG
	SUBMIT_JOB_LOW
	SUBMIT_JOB_LOW_BG
	SUBMIT_JOB_SCHED
	SUBMIT_JOB_EPOCH
)

var typeNames = map[PacketType]string{
	CAN_DO:             "CAN_DO",
	CANT_DO:            "CANT_DO",
	RESET_ABILITIES:    "RESET_ABILITIES",
	PRE_SLEEP:          "PRE_SLEEP",
	NOOP:               "NOOP",
	SUBMIT_JOB:         "SUBMIT_JOB",
	JOB_CREATED:        "JOB_CREATED",
	GRAB_JOB:           "GRAB_JOB",
	NO_JOB:             "NO_JOB",
	JOB_ASSIGN:         "JOB_ASSIGN",
	WORK_STATUS:        "WORK_STATUS",
	WORK_COMPLETE:      "WORK_COMPLETE",
	WORK_FAIL:          "WORK_FAIL",
	GET_STATUS:         "GET_STATUS",
	ECHO_REQ:           "ECHO_REQ",
	ECHO_RES:           "ECHO_RES",
	SUBMIT_JOB_BG:      "SUBMIT_JOB_BG",
	ERROR:              "ERROR",
	STATUS_RES:         "STATUS_RES",
	SUBMIT_JOB_HIGH:    "SUBMIT_JOB_HIGH",
	SET_CLIENT_ID:      "SET_CLIENT_ID",
	CAN_DO_TIMEOUT:     "CAN_DO_TIMEOUT",
	ALL_YOURS:          "ALL_YOURS",
	WORK_EXCEPTION:     "WORK_EXCEPTION",
	OPTION_REQ:         "OPTION_REQ",
	OPTION_RES:         "OPTION_RES",
	WORK_DATA:          "WORK_DATA",
	WORK_WARNING:       "WORK_WARNING",
	GRAB_JOB_UNIQ:      "GRAB_JOB_UNIQ",
	JOB_ASSIGN_UNIQ:    "JOB_ASSIGN_UNIQ",
	SUBMIT_JOB_HIGH_BG: "SUBMIT_JOB_HIGH_BG",
	SUBMIT_JOB_LOW:     "SUBMIT_JOB_LOW",
	SUBMIT_JOB_LOW_BG:  "SUBMIT_JOB_LOW_BG",
	SUBMIT_JOB_SCHED:   "SUBMIT_JOB_SCHED",
	SUBMIT_JOB_EPOCH:   "SUBMIT_JOB_EPOCH",
}

// String renders the packet type's symbolic name, or "UNKNOWN" if it isn't
// one of the types this package knows about.
func (t PacketType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// submitTypes selects the wire command for a submitJob call out of the 2x3
// matrix of (background, precedence).
var submitTypes = map[bool]map[Precedence]PacketType{
	false: {
		PrecedenceNormal: SUBMIT_JOB,
		PrecedenceLow:    SUBMIT_JOB_LOW,
		PrecedenceHigh:   SUBMIT_JOB_HIGH,
	},
	true: {
		PrecedenceNormal: SUBMIT_JOB_BG,
		PrecedenceLow:    SUBMIT_JOB_LOW_BG,
		PrecedenceHigh:   SUBMIT_JOB_HIGH_BG,
	},
}

// Precedence selects the priority class of a submitted job.
type Precedence int

const (
	PrecedenceNormal Precedence = iota
	PrecedenceLow
	PrecedenceHigh
)

// SubmitType returns the wire packet type for a submission with the given
// background flag and precedence, and false if the precedence is invalid.
func SubmitType(background bool, precedence Precedence) (PacketType, bool) {
	t, ok := submitTypes[background][precedence]
	return t, ok
}
