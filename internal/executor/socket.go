package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	ackTimeout    = 10 * time.Second
	signalTimeout = 10 * time.Second
)

// SocketExecutor sends framed commands over a socket connection and relays
// the signals the agent streams back on that connection to a SignalSink.
type SocketExecutor struct {
	addr   Address
	sink   SignalSink
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSocketExecutor creates an executor for a unix, tcp, vsock or hvsock address.
func NewSocketExecutor(addr Address, sink SignalSink, logger *slog.Logger) *SocketExecutor {
	return &SocketExecutor{
		addr:   addr,
		sink:   sink,
		logger: logger,
		conns:  make(map[*Conn]struct{}),
	}
}

// Info implements Executor.
func (s *SocketExecutor) Info() Info {
	return Info{Transport: s.addr.Scheme, Address: s.addr.String()}
}

// Dispatch implements Executor. It returns after the agent acknowledges the
// command; signals for the command are relayed in the background until the
// agent sends a done frame or closes the connection.
func (s *SocketExecutor) Dispatch(ctx context.Context, cmd Command) error {
	start := time.Now()
	err := s.dispatch(ctx, cmd)
	observeDispatch(s.addr.Scheme, cmd.Kind, start, err)
	return err
}

func (s *SocketExecutor) dispatch(ctx context.Context, cmd Command) error {
	conn, err := Dial(ctx, s.addr)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}

	if err := conn.Send(cmd); err != nil {
		conn.Close()
		return err
	}
	ack, err := conn.Receive()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read ack: %w", err)
	}
	if ack.Type != MsgTypeAck {
		conn.Close()
		return fmt.Errorf("expected ack, got %q", ack.Type)
	}
	if ack.Error != "" {
		conn.Close()
		return fmt.Errorf("executor rejected %s command: %s", cmd.Kind, ack.Error)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("clear deadline: %w", err)
	}

	if !s.track(conn) {
		conn.Close()
		return errors.New("executor is closed")
	}
	s.wg.Go(func() {
		defer s.untrack(conn)
		s.relay(conn, cmd)
	})
	return nil
}

// relay forwards signal frames from conn to the sink until done.
func (s *SocketExecutor) relay(conn *Conn, cmd Command) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("signal stream ended", "kind", cmd.Kind, "job_id", cmd.JobID, "error", err)
			}
			return
		}
		signalsReceived.WithLabelValues(msg.Type).Inc()

		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		switch msg.Type {
		case MsgTypeArtifact:
			if msg.Artifact != nil {
				err = s.sink.ArtifactReady(ctx, *msg.Artifact)
			}
		case MsgTypeOutcome:
			if msg.Outcome != nil {
				err = s.sink.StepOutcome(ctx, *msg.Outcome)
			}
		case MsgTypeFailure:
			if msg.Failure != nil {
				err = s.sink.JobFailed(ctx, *msg.Failure)
			}
		case MsgTypeDone:
			cancel()
			return
		default:
			err = fmt.Errorf("unknown message type %q", msg.Type)
		}
		cancel()
		if err != nil {
			s.logger.Warn("relaying signal", "type", msg.Type, "job_id", cmd.JobID, "error", err)
		}
	}
}

func (s *SocketExecutor) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *SocketExecutor) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// Close stops relaying, closes open connections and waits for relays to exit.
func (s *SocketExecutor) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
