// Package transport owns one physical connection to the game server.
// It frames bytes (one protocol frame per websocket binary message),
// emits heartbeats on a fixed interval, and surfaces stream closure
// through a single closed signal. It never retries: backoff policy
// lives in the session controller so it survives across transport
// instances.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"skirmish/client/internal/telemetry"
)

// ErrConnect marks a failed connection attempt. Transient: the
// controller schedules a backoff retry.
var ErrConnect = errors.New("transport: connect failed")

// ErrClosed reports a write against a closed session.
var ErrClosed = errors.New("transport: session closed")

// Config describes one connection attempt.
type Config struct {
	URL               string
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	MaxFrameBytes     int64
	// Heartbeat builds a heartbeat frame stamped with the current epoch
	// and clock. Nil disables heartbeat emission.
	Heartbeat func() ([]byte, error)
}

// Session is one live duplex stream. Inbound frames arrive on a
// channel; Closed fires exactly once when the stream dies, with Err
// holding the reason.
type Session struct {
	conn    *websocket.Conn
	cfg     Config
	logger  telemetry.Logger
	inbound chan []byte
	closed  chan struct{}
	stop    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// Dial connects with a bounded timeout. Failures come back as
// ErrConnect, never a panic.
func Dial(ctx context.Context, cfg Config, logger telemetry.Logger) (*Session, error) {
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.URL, err)
	}
	if cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(cfg.MaxFrameBytes)
	}
	s := &Session{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go s.readLoop()
	if cfg.Heartbeat != nil && cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop()
	}
	return s, nil
}

// Inbound delivers raw frames in receive order. The channel is closed
// when the stream dies.
func (s *Session) Inbound() <-chan []byte {
	return s.inbound
}

// Closed fires once when the stream is gone, whatever the cause.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Err reports why the stream closed; nil for a local Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send writes one frame. Safe for concurrent callers.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	err := s.conn.WriteMessage(websocket.BinaryMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown(fmt.Errorf("transport: write: %w", err))
		return err
	}
	return nil
}

// Close tears the stream down without recording an error. Pending reads
// and the heartbeat timer are cancelled; the socket does not leak.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.stop)
		s.conn.Close()
		close(s.closed)
	})
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(fmt.Errorf("transport: read: %w", err))
			return
		}
		if messageType != websocket.BinaryMessage {
			s.logger.Printf("transport: dropping non-binary message type %d", messageType)
			continue
		}
		select {
		case s.inbound <- data:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			frame, err := s.cfg.Heartbeat()
			if err != nil {
				s.logger.Printf("transport: heartbeat build failed: %v", err)
				continue
			}
			if err := s.Send(frame); err != nil {
				return
			}
		}
	}
}
