package session

import (
	"time"
)

// SourceAddress identifies the upstream stream, e.g. "rtsp://cam.local/live".
type SourceAddress string

// State of the single session.
type State int

const (
	// Idle: no address announced, no transcoder.
	Idle State = iota
	// Streaming: an address is announced and a transcoder was launched for
	// it. The process may since have exited; see Snapshot.Running.
	Streaming
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time copy of the session for status consumers.
type Snapshot struct {
	State         State     `json:"state"`
	SessionID     string    `json:"session_id,omitempty"`
	Address       string    `json:"address,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	LastExit      string    `json:"last_exit,omitempty"`
	// Diagnostics are the last transcoder output lines before an
	// unexpected exit.
	Diagnostics   []string  `json:"diagnostics,omitempty"`
	LastSegmentAt time.Time `json:"last_segment_at,omitzero"`
}

// Process is a live transcoder as seen by the controller.
type Process interface {
	ID() string
	PID() int
	StartedAt() time.Time
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err describes an exit that did not follow Stop.
	Err() error
	// Diagnostics returns the most recent output lines, oldest first.
	Diagnostics() []string
}

// Supervisor launches and kills transcoder processes.
type Supervisor interface {
	Start(address SourceAddress, outputDir string) (Process, error)
	// Stop must not block on process exit and must tolerate repeated calls.
	Stop(p Process)
}

// Store is the output directory shared by the transcoder and viewers.
type Store interface {
	Reset() error
	Path() string
}
