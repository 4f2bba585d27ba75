// Package tunnel relays multiplexed TCP streams between one WebSocket
// client and a short allowlist of Apple hosts. The TLS payload inside the
// streams is opaque: the relay dials plain TCP and never inspects bytes.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Dialer opens the outbound TCP connection for a stream.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// wsConn is the subset of *websocket.Conn the session uses; tests supply
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// Session is one tunnel, bound to one WebSocket connection. No state
// survives it.
type Session struct {
	ws   wsConn
	dial Dialer
	log  *slog.Logger

	writeMu sync.Mutex // outbound frames must not interleave

	mu      sync.Mutex
	streams map[uint32]net.Conn

	pumps errgroup.Group
}

func NewSession(ws wsConn, dial Dialer, log *slog.Logger) *Session {
	if dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		dial = d.DialContext
	}
	return &Session{
		ws:      ws,
		dial:    dial,
		log:     log,
		streams: make(map[uint32]net.Conn),
	}
}

// Run reads frames until the WebSocket closes or errors, then tears down
// every stream. It always returns after cleanup.
func (s *Session) Run(ctx context.Context) error {
	// Initial flow-control credit for the whole session.
	if err := s.writeFrame(continueFrame(0, continueCredit)); err != nil {
		s.teardown()
		return fmt.Errorf("send initial continue: %w", err)
	}

	var readErr error
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		f, err := parseFrame(data)
		if err != nil {
			s.log.Debug("dropping malformed frame", "err", err)
			continue
		}

		switch f.Type {
		case frameConnect:
			s.handleConnect(ctx, f)
		case frameData:
			s.handleData(f)
		case frameClose:
			s.closeStream(f.StreamID)
		case frameContinue:
			// Client credit updates are informational; the relay does not
			// meter its TCP reads.
		default:
			s.log.Debug("dropping frame with unknown type", "type", f.Type)
		}
	}

	s.teardown()
	s.pumps.Wait()

	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(readErr, io.EOF) {
		return readErr
	}
	return nil
}

func (s *Session) handleConnect(ctx context.Context, f frame) {
	payload, err := parseConnectPayload(f.Payload)
	if err != nil {
		s.sendClose(f.StreamID, closeInvalidInfo)
		return
	}
	if payload.StreamType != streamTCP || payload.Port != 443 || !hostAllowed(payload.Hostname) {
		s.log.Info("rejected tunnel connect",
			"stream", f.StreamID, "host", payload.Hostname, "port", payload.Port, "type", payload.StreamType)
		s.sendClose(f.StreamID, closeInvalidInfo)
		return
	}

	conn, err := s.dial(ctx, "tcp", net.JoinHostPort(payload.Hostname, "443"))
	if err != nil {
		s.log.Info("tunnel dial failed", "stream", f.StreamID, "host", payload.Hostname, "err", err)
		s.sendClose(f.StreamID, closeNetworkError)
		return
	}

	s.mu.Lock()
	if old, ok := s.streams[f.StreamID]; ok {
		old.Close()
	}
	s.streams[f.StreamID] = conn
	s.mu.Unlock()

	if err := s.writeFrame(continueFrame(f.StreamID, continueCredit)); err != nil {
		s.closeStream(f.StreamID)
		return
	}

	streamID := f.StreamID
	s.pumps.Go(func() error {
		s.pump(streamID, conn)
		return nil
	})
}

func (s *Session) handleData(f frame) {
	s.mu.Lock()
	conn, ok := s.streams[f.StreamID]
	s.mu.Unlock()
	if !ok {
		// DATA for a stream we never opened (or already closed) is dropped.
		return
	}
	if _, err := conn.Write(f.Payload); err != nil {
		s.closeStream(f.StreamID)
		s.sendClose(f.StreamID, closeNetworkError)
	}
}

// pump copies TCP reads into DATA frames until EOF or error.
func (s *Session) pump(streamID uint32, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := s.writeFrame(dataFrame(streamID, buf[:n])); werr != nil {
				s.closeStream(streamID)
				return
			}
		}
		if err != nil {
			s.closeStream(streamID)
			if errors.Is(err, io.EOF) {
				s.sendClose(streamID, closeVoluntary)
			} else if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.sendClose(streamID, closeNetworkError)
			}
			return
		}
	}
}

func (s *Session) closeStream(streamID uint32) {
	s.mu.Lock()
	conn, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.streams))
	for _, c := range s.streams {
		conns = append(conns, c)
	}
	s.streams = make(map[uint32]net.Conn)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Session) sendClose(streamID uint32, reason byte) {
	if err := s.writeFrame(closeFrame(streamID, reason)); err != nil {
		s.log.Debug("send close failed", "stream", streamID, "err", err)
	}
}

func (s *Session) writeFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}
