package transcode

import (
	"os/exec"
	"sync"
	"time"
)

// Handle is the ownership token for one live transcoder process. It becomes
// invalid once Done is closed.
type Handle struct {
	id        string
	cmd       *exec.Cmd
	startedAt time.Time
	ring      *ringBuffer

	mu      sync.Mutex
	stopped bool

	done chan struct{}
	err  error
}

// ID is a unique identifier for this launch.
func (h *Handle) ID() string { return h.id }

// PID of the process.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// StartedAt is the launch time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed after the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is valid once Done is closed. It is nil when the exit followed Stop and
// wraps ErrUnexpectedExit otherwise.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Diagnostics returns the most recent stderr lines, oldest first.
func (h *Handle) Diagnostics() []string {
	return h.ring.all()
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
