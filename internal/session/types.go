// Package session implements the session store of spec.md §4.2: the
// per-session directory layout, the immutable request record, the
// last-write-wins status record, and the append-only stream/stdin/control
// record types. Persistence goes through internal/codec; this package only
// knows the shapes and the merge/creation rules.
package session

// State is one of the five values in the status state machine of
// spec.md §3. The DAG is pending -> running -> (succeeded | failed |
// cancelled); transitions never go backwards (spec.md §8.4).
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateCancelled is part of the state machine's type but this
	// implementation never writes it — see SPEC_FULL.md open question #1.
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// terminalRank orders states for the monotonicity check in
// UpdateStatus: pending(0) -> running(1) -> terminal(2). A write is
// rejected only if it would move strictly backwards in this order.
var terminalRank = map[State]int{
	StatePending:   0,
	StateRunning:   1,
	StateSucceeded: 2,
	StateFailed:    2,
	StateCancelled: 2,
}

// TerminalSize is the optional terminal window size attached to a request.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Terminal captures the requester's terminal characteristics at request
// time (spec.md §3).
type Terminal struct {
	StdinIsATTY  bool          `json:"stdin_isatty"`
	StdoutIsATTY bool          `json:"stdout_isatty"`
	Size         *TerminalSize `json:"size,omitempty"`
}

// Requester identifies the process that created a session.
type Requester struct {
	Host string `json:"host"`
	PID  int    `json:"pid"`
	User string `json:"user"`
}

// Request is the immutable-after-write request record of spec.md §3.
type Request struct {
	SessionID string            `json:"session_id"`
	Command   []string          `json:"command"`
	CWD       string            `json:"cwd"`
	Route     string            `json:"route,omitempty"`
	CreatedAt string            `json:"created_at"`
	Requester Requester         `json:"requester"`
	Env       map[string]string `json:"env"`
	UnsetEnv  []string          `json:"unset_env,omitempty"`
	Terminal  Terminal          `json:"terminal"`
}

// WorkerIdentity records which worker owns or ran a session.
type WorkerIdentity struct {
	Host string `json:"host,omitempty"`
	PID  int    `json:"pid,omitempty"`
}

// Status is the mutable, last-write-wins status record of spec.md §3.
type Status struct {
	SessionID  string         `json:"session_id"`
	State      State          `json:"state"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
	ExitCode   *int           `json:"exit_code"`
	Worker     WorkerIdentity `json:"worker,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Stream record types, tagged by Type (spec.md §3 "Stream record").
const (
	RecordTypeEvent  = "event"
	RecordTypeOutput = "output"

	EventStarted           = "started"
	EventPTYFallbackToPipe = "pty_fallback_to_pipes"
	EventWorkerError       = "worker_error"
	EventExit              = "exit"

	ChannelPTY    = "pty"
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
)

// StreamRecord is the tagged variant for stream.jsonl: either an event or
// an output chunk. Fields not applicable to a given Type are omitted on
// write and ignored on read, the same discriminated-union-by-omitempty
// shape the teacher uses for its RPC envelopes (internal/ptyworker/protocol.go).
type StreamRecord struct {
	Type    string `json:"type"`
	TS      string `json:"ts"`
	Event   string `json:"event,omitempty"`
	Seq     *int   `json:"seq,omitempty"`
	Channel string `json:"channel,omitempty"`
	DataB64 string `json:"data_b64,omitempty"`

	// event:"exit" fields
	ExitCode      *int `json:"exit_code,omitempty"`
	RawReturnCode *int `json:"raw_return_code,omitempty"`

	// event:"worker_error" field
	Message string `json:"message,omitempty"`
}

// Stdin record types, per spec.md §3 "Stdin record".
const (
	RecordTypeStdin    = "stdin"
	RecordTypeStdinEOF = "stdin_eof"
)

type StdinRecord struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq"`
	TS      string `json:"ts"`
	DataB64 string `json:"data_b64,omitempty"`
}

// Control record types, per spec.md §3 "Control record".
const (
	RecordTypeSignal = "signal"
	RecordTypeResize = "resize"
)

type ControlRecord struct {
	Type   string `json:"type"`
	Seq    int    `json:"seq"`
	TS     string `json:"ts"`
	Signal int    `json:"signal,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
}
