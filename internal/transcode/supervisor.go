// Package transcode launches and supervises the ffmpeg process that turns a
// source stream into HLS segments.
package transcode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	diagnosticLines = 64
	maxStderrLine   = 64 * 1024
)

var (
	// ErrLaunchFailed is returned when the transcoder could not be spawned.
	ErrLaunchFailed = errors.New("transcoder launch failed")

	// ErrUnexpectedExit is reported by Handle.Err when the process ended
	// without being stopped.
	ErrUnexpectedExit = errors.New("transcoder exited unexpectedly")
)

// Supervisor starts transcoder processes and kills them on request. It holds
// no per-process state; each Handle owns its process.
type Supervisor struct {
	opts Options
	log  *slog.Logger
}

// NewSupervisor returns a Supervisor using opts (zero values get defaults).
func NewSupervisor(opts Options, log *slog.Logger) *Supervisor {
	return &Supervisor{
		opts: opts.withDefaults(),
		log:  log.With(slog.String("component", "transcode")),
	}
}

// Start launches a transcoder reading address and writing into outputDir.
// It returns as soon as the process is spawned.
func (s *Supervisor) Start(address, outputDir string) (*Handle, error) {
	args := BuildArgs(address, outputDir, s.opts)
	cmd := exec.Command(s.opts.BinaryPath, args...)
	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrLaunchFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	h := &Handle{
		id:        uuid.NewString(),
		cmd:       cmd,
		startedAt: time.Now().UTC(),
		ring:      newRingBuffer(diagnosticLines),
		done:      make(chan struct{}),
	}
	log := s.log.With(
		slog.String("session_id", h.id),
		slog.Int("pid", cmd.Process.Pid),
	)
	log.Info("transcoder started",
		slog.String("address", address),
		slog.String("output_dir", outputDir))

	go s.monitor(h, stderr, log)
	return h, nil
}

// Stop sends SIGKILL to the process and returns without waiting for it to
// exit. Stopping a nil, stopped or exited handle is a no-op.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.exited() {
		return
	}
	h.stopped = true
	if err := killProcess(h.cmd); err != nil {
		s.log.Warn("kill transcoder failed",
			slog.String("session_id", h.id),
			slog.String("error", err.Error()))
		return
	}
	s.log.Info("transcoder kill sent", slog.String("session_id", h.id))
}

// monitor drains stderr into the log and the diagnostics ring, then reaps
// the process and invalidates the handle. stderr is read until EOF so the
// process never blocks on a full pipe.
func (s *Supervisor) monitor(h *Handle, stderr io.Reader, log *slog.Logger) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	sc.Split(scanOutputLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		h.ring.add(line)
		log.Debug("transcoder output", slog.String("line", line))
	}
	if err := sc.Err(); err != nil {
		log.Warn("transcoder output unreadable, discarding the rest", slog.String("error", err.Error()))
		_, _ = io.Copy(io.Discard, stderr)
	}

	waitErr := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	h.mu.Lock()
	stopped := h.stopped
	if !stopped {
		if waitErr == nil {
			waitErr = errors.New("exit status 0")
		}
		h.err = fmt.Errorf("%w: %v", ErrUnexpectedExit, waitErr)
	}
	close(h.done)
	h.mu.Unlock()

	if stopped {
		log.Info("transcoder exited after stop", slog.Int("exit_code", code))
		return
	}
	log.Error("transcoder exited",
		slog.Int("exit_code", code),
		slog.String("error", waitErr.Error()),
		slog.Any("diagnostics", h.ring.all()))
}

// scanOutputLines splits on either \r or \n. ffmpeg ends progress updates
// with a bare \r.
func scanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
