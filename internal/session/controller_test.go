package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"hls-bridge/internal/platform/logger"
	"hls-bridge/internal/transcode"
)

type fakeProcess struct {
	id      string
	pid     int
	started time.Time
	done    chan struct{}
	once    sync.Once
	err     error
	diag    []string
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) StartedAt() time.Time  { return p.started }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }
func (p *fakeProcess) Diagnostics() []string { return p.diag }

// fakeSupervisor records every call and tracks how many processes are alive.
type fakeSupervisor struct {
	mu        sync.Mutex
	calls     []string
	live      int
	maxLive   int
	next      int
	startErr  error
	processes []*fakeProcess
}

func (s *fakeSupervisor) Start(address SourceAddress, outputDir string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "start:"+string(address))
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.next++
	p := &fakeProcess{
		id:      fmt.Sprintf("p%d", s.next),
		pid:     1000 + s.next,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.processes = append(s.processes, p)
	s.live++
	if s.live > s.maxLive {
		s.maxLive = s.live
	}
	return p, nil
}

func (s *fakeSupervisor) Stop(p Process) {
	s.mu.Lock()
	s.calls = append(s.calls, "stop:"+p.ID())
	s.mu.Unlock()
	s.end(p.(*fakeProcess), nil)
}

// end makes p exit with err. The kill is accounted synchronously, like a
// SIGKILL that has been delivered.
func (s *fakeSupervisor) end(p *fakeProcess, err error) {
	p.once.Do(func() {
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
		p.err = err
		close(p.done)
	})
}

func (s *fakeSupervisor) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeStore struct {
	mu     sync.Mutex
	resets int
	err    error
}

func (s *fakeStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.err
}

func (s *fakeStore) Path() string { return "/var/hls" }

func newTestController(t *testing.T) (*Controller, *fakeSupervisor, *fakeStore) {
	t.Helper()
	sup := &fakeSupervisor{}
	store := &fakeStore{}
	c := NewController(sup, store, logger.Discard(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, sup, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestController_starts_idle(t *testing.T) {
	c, _, _ := newTestController(t)
	snap := c.Snapshot()
	if snap.State != Idle || snap.Running || snap.Address != "" {
		t.Errorf("unexpected initial snapshot %+v", snap)
	}
}

func TestController_Announce_from_idle(t *testing.T) {
	c, sup, store := newTestController(t)

	if err := c.Announce("rtsp://cam.local/live"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	calls := sup.callLog()
	if len(calls) != 1 || calls[0] != "start:rtsp://cam.local/live" {
		t.Errorf("expected a single start, got %v", calls)
	}
	snap := c.Snapshot()
	if snap.State != Streaming || !snap.Running || snap.Address != "rtsp://cam.local/live" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.SessionID != "p1" || snap.PID != 1001 {
		t.Errorf("snapshot should carry process identity: %+v", snap)
	}
	if store.resets != 0 {
		t.Errorf("first announcement should not reset the store, got %d resets", store.resets)
	}
}

func TestController_Announce_replaces_stop_before_start(t *testing.T) {
	c, sup, store := newTestController(t)

	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatalf("Announce x: %v", err)
	}
	if err := c.Announce("rtsp://y"); err != nil {
		t.Fatalf("Announce y: %v", err)
	}

	calls := sup.callLog()
	want := []string{"start:rtsp://x", "stop:p1", "start:rtsp://y"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
	snap := c.Snapshot()
	if snap.Address != "rtsp://y" || snap.SessionID != "p2" {
		t.Errorf("expected streaming y with p2, got %+v", snap)
	}
	if store.resets != 1 {
		t.Errorf("replacing a session should reset the store once, got %d", store.resets)
	}
	if sup.maxLive > 1 {
		t.Errorf("two transcoders were alive at once (max %d)", sup.maxLive)
	}
}

func TestController_Announce_launch_failed_reverts_to_idle(t *testing.T) {
	c, sup, _ := newTestController(t)
	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatalf("Announce x: %v", err)
	}

	sup.mu.Lock()
	sup.startErr = fmt.Errorf("%w: exec: \"ffmpeg\": executable file not found", transcode.ErrLaunchFailed)
	sup.mu.Unlock()

	err := c.Announce("rtsp://y")
	if !errors.Is(err, transcode.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	snap := c.Snapshot()
	if snap.State != Idle || snap.Running || snap.Address != "" {
		t.Errorf("expected idle after failed launch, got %+v", snap)
	}
	if snap.LastExit == "" {
		t.Error("launch error should be recorded")
	}
	calls := sup.callLog()
	if calls[1] != "stop:p1" {
		t.Errorf("previous transcoder must be stopped even when the next launch fails: %v", calls)
	}
}

func TestController_Announce_empty_address(t *testing.T) {
	c, sup, _ := newTestController(t)
	if err := c.Announce(""); !errors.Is(err, ErrEmptyAddress) {
		t.Errorf("expected ErrEmptyAddress, got %v", err)
	}
	if len(sup.callLog()) != 0 {
		t.Error("supervisor must not be called")
	}
}

func TestController_unexpected_exit_clears_handle(t *testing.T) {
	c, sup, _ := newTestController(t)
	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	sup.mu.Lock()
	p := sup.processes[0]
	sup.mu.Unlock()
	p.diag = []string{"rtsp://x: Connection refused"}
	sup.end(p, fmt.Errorf("%w: exit status 1", transcode.ErrUnexpectedExit))

	waitFor(t, func() bool { return !c.Snapshot().Running })

	snap := c.Snapshot()
	if snap.State != Streaming || snap.Address != "rtsp://x" {
		t.Errorf("session should remain streaming administratively, got %+v", snap)
	}
	if snap.SessionID != "" || snap.PID != 0 {
		t.Errorf("handle should be cleared, got %+v", snap)
	}
	if snap.LastExit == "" {
		t.Error("exit reason should be recorded")
	}
	if len(snap.Diagnostics) != 1 || snap.Diagnostics[0] != "rtsp://x: Connection refused" {
		t.Errorf("exit diagnostics should be recorded, got %v", snap.Diagnostics)
	}

	// No automatic restart.
	time.Sleep(50 * time.Millisecond)
	if calls := sup.callLog(); len(calls) != 1 {
		t.Errorf("expected no restart, got calls %v", calls)
	}

	// A fresh announcement starts again without stopping the dead handle.
	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatalf("re-Announce: %v", err)
	}
	calls := sup.callLog()
	if len(calls) != 2 || calls[1] != "start:rtsp://x" {
		t.Errorf("expected start only, got %v", calls)
	}
	if snap := c.Snapshot(); len(snap.Diagnostics) != 0 || snap.LastExit != "" {
		t.Errorf("a fresh launch should clear exit details, got %+v", snap)
	}
}

func TestController_stale_exit_does_not_clear_new_handle(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatal(err)
	}
	if err := c.Announce("rtsp://y"); err != nil {
		t.Fatal(err)
	}

	// Give the first watcher time to observe its (stopped) process exit.
	time.Sleep(50 * time.Millisecond)

	snap := c.Snapshot()
	if !snap.Running || snap.SessionID != "p2" {
		t.Errorf("exit of the replaced process must not affect the new one: %+v", snap)
	}
}

func TestController_concurrent_announcements_never_overlap(t *testing.T) {
	c, sup, _ := newTestController(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Announce(SourceAddress(fmt.Sprintf("rtsp://cam/%d", i)))
		}(i)
	}
	wg.Wait()

	if sup.maxLive > 1 {
		t.Fatalf("max live transcoders %d, want 1", sup.maxLive)
	}

	// Every start after the first must be immediately preceded by the stop
	// of the previously started process.
	calls := sup.callLog()
	lastStarted := 0
	for i, call := range calls {
		if call[:6] != "start:" {
			continue
		}
		if lastStarted > 0 {
			want := fmt.Sprintf("stop:p%d", lastStarted)
			if i == 0 || calls[i-1] != want {
				t.Fatalf("start at %d not preceded by %s: %v", i, want, calls)
			}
		}
		lastStarted++
	}
	if lastStarted != 50 {
		t.Errorf("expected 50 starts, got %d", lastStarted)
	}
}

func TestController_store_reset_failure_is_not_fatal(t *testing.T) {
	c, _, store := newTestController(t)
	store.err = errors.New("permission denied")

	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatal(err)
	}
	if err := c.Announce("rtsp://y"); err != nil {
		t.Errorf("mid-run reset failure should only be logged, got %v", err)
	}
	if c.Snapshot().Address != "rtsp://y" {
		t.Error("expected y to be streaming")
	}
}

func TestController_Shutdown_stops_live_process(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := &fakeSupervisor{}
	c := NewController(sup, &fakeStore{}, logger.Discard(), nil)
	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	calls := sup.callLog()
	if calls[len(calls)-1] != "stop:p1" {
		t.Errorf("expected stop on shutdown, got %v", calls)
	}
	if err := c.Announce("rtsp://y"); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestController_Shutdown_bounded_by_context(t *testing.T) {
	sup := &stubbornSupervisor{}
	c := NewController(sup, &fakeStore{}, logger.Discard(), nil)
	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	close(sup.proc.done)
}

// stubbornSupervisor's processes ignore Stop.
type stubbornSupervisor struct {
	proc *fakeProcess
}

func (s *stubbornSupervisor) Start(SourceAddress, string) (Process, error) {
	s.proc = &fakeProcess{id: "s1", pid: 1, done: make(chan struct{})}
	return s.proc, nil
}

func (s *stubbornSupervisor) Stop(Process) {}

func TestController_Subscribe_receives_changes(t *testing.T) {
	c, _, _ := newTestController(t)
	updates, cancel := c.Subscribe()
	defer cancel()

	first := <-updates
	if first.State != Idle {
		t.Errorf("expected initial idle snapshot, got %+v", first)
	}

	if err := c.Announce("rtsp://x"); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-updates:
		if snap.State != Streaming || snap.Address != "rtsp://x" {
			t.Errorf("unexpected update %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after announce")
	}

	c.SegmentWritten("stream1.ts")
	select {
	case snap := <-updates:
		if snap.LastSegmentAt.IsZero() {
			t.Error("expected last segment time")
		}
	case <-time.After(time.Second):
		t.Fatal("no update after segment")
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestController_Subscribe_closed_on_shutdown(t *testing.T) {
	c := NewController(&fakeSupervisor{}, &fakeStore{}, logger.Discard(), nil)
	updates, cancel := c.Subscribe()
	defer cancel()
	<-updates

	_ = c.Shutdown(context.Background())
	if _, ok := <-updates; ok {
		t.Error("expected closed channel after shutdown")
	}
}

func TestState_MarshalText(t *testing.T) {
	b, _ := Streaming.MarshalText()
	if string(b) != "streaming" {
		t.Errorf("unexpected %s", b)
	}
	if Idle.String() != "idle" {
		t.Errorf("unexpected %s", Idle)
	}
}
