// Package session owns the single stream session: which source address is
// announced and which transcoder process serves it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hls-bridge/internal/platform/metrics"
	"hls-bridge/internal/transcode"
)

var (
	// ErrShutdown is returned by Announce after Shutdown.
	ErrShutdown = errors.New("session controller shut down")

	// ErrEmptyAddress is returned when Announce is given an empty address.
	ErrEmptyAddress = errors.New("empty source address")
)

// Controller serializes announcements against the supervisor so that at most
// one transcoder is alive at any instant. All state is guarded by mu and an
// announce runs stop, reset and start as one critical section.
type Controller struct {
	sup     Supervisor
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         State
	address       SourceAddress
	proc          Process
	lastExit      string
	diagnostics   []string
	lastSegmentAt time.Time
	closed        bool
	subs          map[chan Snapshot]struct{}

	watchers sync.WaitGroup
}

// NewController returns an Idle controller. Metrics may be nil.
func NewController(sup Supervisor, store Store, log *slog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		sup:     sup,
		store:   store,
		log:     log.With(slog.String("component", "session")),
		metrics: m,
		subs:    make(map[chan Snapshot]struct{}),
	}
}

// Announce replaces the current session with one for address. Any live
// transcoder is sent its kill before the new one is launched. On launch
// failure the session reverts to Idle and the error wraps
// transcode.ErrLaunchFailed.
func (c *Controller) Announce(address SourceAddress) error {
	if address == "" {
		return ErrEmptyAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShutdown
	}

	if c.state == Streaming {
		if c.proc != nil {
			c.log.Info("stopping transcoder for new announcement",
				slog.String("previous_address", string(c.address)),
				slog.String("session_id", c.proc.ID()))
			c.sup.Stop(c.proc)
			c.proc = nil
		}
		if err := c.store.Reset(); err != nil {
			c.log.Error("segment store reset failed", slog.String("error", err.Error()))
		}
	}

	proc, err := c.sup.Start(address, c.store.Path())
	if err != nil {
		c.state = Idle
		c.address = ""
		c.lastExit = err.Error()
		c.diagnostics = nil
		c.setRunningLocked(false)
		c.log.Error("transcoder launch failed",
			slog.String("address", string(address)),
			slog.String("error", err.Error()))
		c.publishLocked()
		return err
	}

	c.state = Streaming
	c.address = address
	c.proc = proc
	c.lastExit = ""
	c.diagnostics = nil
	c.lastSegmentAt = time.Time{}
	c.setRunningLocked(true)
	c.log.Info("session streaming",
		slog.String("address", string(address)),
		slog.String("session_id", proc.ID()),
		slog.Int("pid", proc.PID()))

	c.watchers.Add(1)
	go c.watch(proc)

	c.publishLocked()
	return nil
}

// watch waits for one process to exit and folds the exit into the state.
func (c *Controller) watch(p Process) {
	defer c.watchers.Done()
	<-p.Done()
	c.handleExit(p)
}

func (c *Controller) handleExit(p Process) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != p {
		// Replaced or shut down: the exit is the result of our own kill.
		if c.metrics != nil {
			c.metrics.IncExits(metrics.ExitStopped)
		}
		c.log.Debug("previous transcoder reaped", slog.String("session_id", p.ID()))
		return
	}

	err := p.Err()
	if err == nil {
		err = transcode.ErrUnexpectedExit
	}
	c.proc = nil
	c.lastExit = err.Error()
	c.diagnostics = p.Diagnostics()
	c.setRunningLocked(false)
	if c.metrics != nil {
		c.metrics.IncExits(metrics.ExitUnexpected)
	}
	c.log.Error("transcoder exited unexpectedly; waiting for a new announcement",
		slog.String("address", string(c.address)),
		slog.String("session_id", p.ID()),
		slog.String("error", err.Error()))
	c.publishLocked()
}

// SegmentWritten records that the transcoder produced a new segment.
func (c *Controller) SegmentWritten(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSegmentAt = time.Now().UTC()
	c.log.Debug("segment written", slog.String("segment", name))
	c.publishLocked()
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only see the newest value. cancel releases the
// subscription; the channel is closed on cancel or Shutdown.
func (c *Controller) Subscribe() (updates <-chan Snapshot, cancel func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	if c.closed {
		close(ch)
		c.mu.Unlock()
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
		})
	}
}

// Shutdown kills any live transcoder and rejects further announcements. It
// waits for exit watchers until ctx is done, then gives up.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if c.proc != nil {
			c.log.Info("stopping transcoder for shutdown", slog.String("session_id", c.proc.ID()))
			c.sup.Stop(c.proc)
			c.proc = nil
		}
		c.state = Idle
		c.setRunningLocked(false)
		for ch := range c.subs {
			delete(c.subs, ch)
			close(ch)
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transcoder exit: %w", ctx.Err())
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:         c.state,
		Address:       string(c.address),
		LastExit:      c.lastExit,
		Diagnostics:   append([]string(nil), c.diagnostics...),
		LastSegmentAt: c.lastSegmentAt,
	}
	if c.proc != nil {
		s.SessionID = c.proc.ID()
		s.PID = c.proc.PID()
		s.Running = true
		s.StartedAt = c.proc.StartedAt()
	}
	return s
}

func (c *Controller) publishLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (c *Controller) setRunningLocked(running bool) {
	if c.metrics != nil {
		c.metrics.SetTranscoderRunning(running)
	}
}
