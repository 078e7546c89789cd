package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"hls-bridge/internal/platform/metrics"
	"hls-bridge/internal/session"
)

const (
	writeTimeout = 5 * time.Second

	// idleFlush is how long a partial message may sit without a newline
	// before it is processed as a complete message.
	idleFlush = 250 * time.Millisecond

	maxMessage = 64 * 1024
	readChunk  = 4096
)

// Announcer receives validated source addresses.
type Announcer interface {
	Announce(address session.SourceAddress) error
}

// Options tune the listener.
type Options struct {
	Grammar Grammar
	// StrictAck answers a failed launch with LaunchFailedMessage instead of
	// the unconditional AckMessage.
	StrictAck bool
}

// Listener accepts control connections and forwards announcements.
// Connections are independent: a failure on one never affects another or the
// session.
type Listener struct {
	ln        net.Listener
	announcer Announcer
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen binds addr (e.g. "0.0.0.0:3000"). Metrics may be nil.
func Listen(addr string, announcer Announcer, opts Options, log *slog.Logger, m *metrics.Metrics) (*Listener, error) {
	if announcer == nil {
		return nil, errors.New("control listener requires an announcer")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Listener{
		ln:        ln,
		announcer: announcer,
		opts:      opts,
		log:       log.With(slog.String("component", "control")),
		metrics:   m,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and every open connection and waits for their handlers.
func (l *Listener) Serve(ctx context.Context) error {
	l.log.Info("control listener started", slog.String("addr", l.ln.Addr().String()))

	stop := context.AfterFunc(ctx, l.closeAll)
	defer stop()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				l.log.Info("control listener stopped")
				return nil
			}
			l.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		if !l.track(conn) {
			conn.Close()
			continue
		}
		if l.metrics != nil {
			l.metrics.IncConnections()
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			l.handle(conn)
		}()
	}
}

// Close stops accepting and drops open connections.
func (l *Listener) Close() error {
	l.closeAll()
	return nil
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.ln.Close()
	for c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

func (l *Listener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns == nil {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c net.Conn) {
	l.mu.Lock()
	if l.conns != nil {
		delete(l.conns, c)
	}
	l.mu.Unlock()
	_ = c.Close()
}

// handle processes messages until the peer disconnects. A message ends at a
// newline, at EOF, or when the peer goes quiet for idleFlush with a partial
// message buffered.
func (l *Listener) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := l.log.With(slog.String("remote", remote))
	log.Info("device connected")

	buf := make([]byte, readChunk)
	var pending []byte
	for {
		if len(pending) > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleFlush))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		n, err := conn.Read(buf)
		pending = append(pending, buf[:n]...)

		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if !l.reply(conn, log, string(pending[:i])) {
				return
			}
			pending = pending[i+1:]
		}
		if len(pending) >= maxMessage {
			if !l.reply(conn, log, string(pending)) {
				return
			}
			pending = nil
		}

		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if len(pending) > 0 {
				if !l.reply(conn, log, string(pending)) {
					return
				}
				pending = nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				l.reply(conn, log, string(pending))
			}
			log.Info("device disconnected")
			return
		}
		if !errors.Is(err, net.ErrClosed) {
			log.Warn("connection error", slog.String("error", err.Error()))
		}
		return
	}
}

// reply processes one message and writes the answer. It reports whether the
// connection is still usable.
func (l *Listener) reply(conn net.Conn, log *slog.Logger, message string) bool {
	answer := l.process(log, message)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(answer + LineTerminator)); err != nil {
		log.Warn("reply failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// process classifies one message and returns the reply line.
func (l *Listener) process(log *slog.Logger, message string) string {
	log.Info("message received", slog.String("data", message))

	addr, err := l.opts.Grammar.Parse(message)
	if err != nil {
		l.count(metrics.ResultRejected)
		log.Warn("announcement rejected", slog.String("error", err.Error()))
		return NackMessage
	}

	if err := l.announcer.Announce(addr); err != nil {
		if errors.Is(err, session.ErrShutdown) {
			log.Warn("announcement refused during shutdown", slog.String("address", string(addr)))
			return ShuttingDownMessage
		}
		l.count(metrics.ResultLaunchFailed)
		log.Error("announcement failed",
			slog.String("address", string(addr)),
			slog.String("error", err.Error()))
		if l.opts.StrictAck {
			return LaunchFailedMessage
		}
		return AckMessage
	}

	l.count(metrics.ResultAccepted)
	return AckMessage
}

func (l *Listener) count(result string) {
	if l.metrics != nil {
		l.metrics.IncAnnouncements(result)
	}
}
