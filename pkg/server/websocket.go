package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket connection to net.Conn so browser clients speak
// the same framed binary protocol through the same session code.
type wsConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocolBufferSize,
	WriteBufferSize: protocolBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const protocolBufferSize = 64 * 1024 // matches the max frame size

// StartWebSocket serves the protocol over WebSocket on the configured port.
// Returns the running HTTP server so the caller can shut it down.
func (s *Server) StartWebSocket() (*http.Server, error) {
	addr := fmt.Sprintf(":%d", s.config.Server.WebSocketPort)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{Addr: listener.Addr().String(), Handler: mux}
	s.log.Info().Str("addr", httpServer.Addr).Msg("websocket server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("websocket server failed")
		}
	}()
	return httpServer, nil
}

// handleWebSocket upgrades the HTTP connection and runs it as a session,
// exactly like an accepted TCP connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.handleConn(&wsConn{ws: ws})
}

// Read implements net.Conn. WebSocket messages are re-framed into a byte
// stream; a normal close surfaces as io.EOF so the session loop treats it as
// a clean disconnect.
func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuf.Len() > 0 {
		return c.readBuf.Read(b)
	}

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return 0, io.EOF
		}
		return 0, err
	}
	if messageType != websocket.BinaryMessage {
		return 0, io.ErrUnexpectedEOF
	}

	c.readBuf.Write(data)
	return c.readBuf.Read(b)
}

// Write implements net.Conn
func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn
func (c *wsConn) Close() error {
	return c.ws.Close()
}

// LocalAddr implements net.Conn
func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn
func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn
func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
