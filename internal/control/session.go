// Package control maintains the agent's channel to the dispatcher: one TCP
// session at a time, Hello-first, heartbeats while idle, and a capped
// exponential backoff between connection attempts.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lkhq/spark/internal/log"
	"github.com/lkhq/spark/internal/protocol"
)

// ErrSessionClosed is returned by Send once the session is torn down.
var ErrSessionClosed = errors.New("session closed")

// ErrConnect marks a connection attempt that failed before the session was
// established: the dial itself, or the Hello that must follow it. The
// reconnect loop treats every ErrConnect as retryable.
var ErrConnect = errors.New("connect dispatcher")

const (
	sendQueueSize    = 32
	recvQueueSize    = 16
	closeFlushWindow = 1 * time.Second
)

// Session is one established dispatcher connection, already past its Hello.
// Inbound frames arrive on Recv; its close is the disconnect signal, whatever
// the cause. All writes funnel through a single goroutine that also owns the
// idle heartbeat timer, so frames never interleave.
type Session struct {
	conn     net.Conn
	codec    *protocol.Codec
	interval time.Duration
	logger   *slog.Logger

	recv chan protocol.Envelope
	send chan protocol.Envelope

	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects to the dispatcher at addr and sends hello as the first frame.
// A session is only returned once the Hello is on the wire; any earlier
// failure closes the socket.
func Dial(ctx context.Context, addr string, hello protocol.Hello, heartbeatInterval time.Duration) (*Session, error) {
	env, err := protocol.NewEnvelope(protocol.TypeHello, &hello)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	s := newSession(conn, heartbeatInterval)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := s.codec.Write(env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send hello: %w", ErrConnect, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	s.start()
	return s, nil
}

// newSession wires a session around an established connection. Split from
// Dial so tests can drive a session over a pipe.
func newSession(conn net.Conn, heartbeatInterval time.Duration) *Session {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &Session{
		conn:       conn,
		codec:      protocol.NewCodec(conn),
		interval:   heartbeatInterval,
		logger:     log.WithComponent("control"),
		recv:       make(chan protocol.Envelope, recvQueueSize),
		send:       make(chan protocol.Envelope, sendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) start() {
	go s.readLoop()
	go s.writeLoop()
}

// Recv returns the inbound frame channel. It closes when the session ends;
// Err then reports why.
func (s *Session) Recv() <-chan protocol.Envelope {
	return s.recv
}

// Send queues one frame for the writer. It never blocks past the queue:
// a full queue means the connection has stalled badly enough to treat as
// an error.
func (s *Session) Send(env protocol.Envelope) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- env:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return fmt.Errorf("send queue full (%d frames)", sendQueueSize)
	}
}

// Bye queues the protocol goodbye ahead of Close. Best effort: the writer
// flushes queued frames during teardown, but a dead peer cannot stall it.
func (s *Session) Bye(machineID string) error {
	env, err := protocol.NewEnvelope(protocol.TypeBye, &protocol.Bye{MachineID: machineID})
	if err != nil {
		return err
	}
	return s.Send(env)
}

// Close tears the session down: the writer flushes queued frames within a
// short window, then the socket closes. Safe to call more than once and
// from any goroutine except the writer's.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.writerDone:
		case <-time.After(closeFlushWindow):
		}
		s.conn.Close()
	})
	return nil
}

// Err reports the first fatal session error, nil on a locally initiated
// clean close. io.EOF means the dispatcher hung up.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.recv)
	for {
		env, err := s.codec.Read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			select {
			case <-s.done:
				// Locally initiated close; the read error is just the
				// socket going away under us.
			default:
				if errors.Is(err, io.EOF) {
					s.setErr(fmt.Errorf("dispatcher closed connection: %w", err))
				} else {
					s.setErr(fmt.Errorf("read frame: %w", err))
				}
				go s.Close()
			}
			return
		}

		select {
		case s.recv <- env:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	idle := time.NewTimer(s.interval)
	defer idle.Stop()

	for {
		select {
		case env := <-s.send:
			if !s.write(env, idle) {
				return
			}

		case <-idle.C:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, &protocol.Heartbeat{})
			if err != nil {
				s.logger.Error("failed to seal heartbeat", "error", err)
				return
			}
			if !s.write(env, idle) {
				return
			}

		case <-s.done:
			s.flush(idle)
			return
		}
	}
}

// flush drains frames already queued at close time, the graceful-shutdown
// Bye among them.
func (s *Session) flush(idle *time.Timer) {
	for {
		select {
		case env := <-s.send:
			if !s.write(env, idle) {
				return
			}
		default:
			return
		}
	}
}

// write puts one frame on the wire and pushes the idle heartbeat out. A
// false return means the connection is dead and the writer must exit.
func (s *Session) write(env protocol.Envelope, idle *time.Timer) bool {
	if err := s.codec.Write(env); err != nil {
		s.setErr(fmt.Errorf("write %s: %w", env.Type, err))
		// Closing the socket unblocks the reader, which owns teardown.
		s.conn.Close()
		return false
	}
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(s.interval)
	return true
}
