package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
)

// Session is the device end of one host connection. It is the dispatcher's
// frame source and its outbound sender.
type Session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan wire.Frame
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// SessionConfig holds per-connection limits. Zero timeouts disable deadlines.
type SessionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboundBuffer int
}

// NewSession wraps conn.
func NewSession(id string, conn net.Conn, logger *log.Logger, cfg SessionConfig) *Session {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 64
	}
	return &Session{
		id:           id,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 4096),
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		outbound:     make(chan wire.Frame, cfg.OutboundBuffer),
		done:         make(chan struct{}),
	}
}

// Start launches the write loop. The session closes when ctx ends.
func (s *Session) Start(ctx context.Context) {
	s.logger.LogConnection("connected", s.RemoteAddr())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
}

// Recv reads the next inbound frame.
func (s *Session) Recv(ctx context.Context) (wire.Frame, error) {
	select {
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-s.done:
		return wire.Frame{}, errors.New(errors.ErrorTypeNetwork, "recv", "session closed")
	default:
	}

	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return wire.Frame{}, errors.Wrap(err, errors.ErrorTypeNetwork, "recv", "failed to set read deadline")
		}
	}

	f, err := ReadFrame(s.reader)
	if err != nil {
		return f, err
	}
	s.logger.LogFrame("received", uint64(f.Key), f.Seq, len(f.Body))
	return f, nil
}

// Send queues f for the host, waiting while the queue is full.
func (s *Session) Send(ctx context.Context, f wire.Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return errors.New(errors.ErrorTypeNetwork, "send", "session closed").WithContext("session_id", s.id)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "send", "outbound queue full")
	}
}

func (s *Session) writeLoop() {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("connection close", "error", err)
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.outbound:
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.logger.WithError(err).Error("failed to set write deadline")
					s.Close()
					return
				}
			}
			if err := WriteFrame(s.conn, f); err != nil {
				s.logger.WithError(err).Error("failed to write frame")
				s.Close()
				return
			}
			s.logger.LogFrame("sent", uint64(f.Key), f.Seq, len(f.Body))
		}
	}
}

// Close ends the session and unblocks Recv.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.SetReadDeadline(time.Now())
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Wait blocks until the session's goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the address of the host end.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
