package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lourd/6005-guichat/pkg/protocol"
)

// wsTestClient speaks the framed protocol over a WebSocket connection the way
// a browser client would: one binary WebSocket message per frame.
type wsTestClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialWebSocket(t *testing.T, httpAddr string) *wsTestClient {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+httpAddr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wsTestClient{t: t, ws: ws}
}

func (c *wsTestClient) send(msg *protocol.Message) {
	c.t.Helper()

	data, err := protocol.MarshalMessage(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, data))
}

func (c *wsTestClient) recv() *protocol.Message {
	c.t.Helper()

	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.BinaryMessage, messageType)

	msg, err := protocol.ReadMessage(bytes.NewReader(data))
	require.NoError(c.t, err)
	return msg
}

func TestWebSocketTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Server.WebSocketPort = 0

	srv := NewServer(cfg, zerolog.Nop(), nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	httpServer, err := srv.StartWebSocket()
	require.NoError(t, err)
	t.Cleanup(func() { httpServer.Close() })

	c := dialWebSocket(t, httpServer.Addr)

	welcome := c.recv()
	assert.Equal(t, protocol.TypeResponse, welcome.Type)
	assert.Equal(t, uint16(protocol.CodeWelcome), welcome.Code)

	c.send(&protocol.Message{Type: protocol.TypeLogin, User: "alice"})
	reply := c.recv()
	assert.Equal(t, uint16(protocol.CodeLoginOK), reply.Code)
	assert.Equal(t, "Welcome alice", reply.Status)

	assert.True(t, srv.Registry().LoggedOn("alice"))

	// WebSocket and plain TCP clients share one registry
	tcp := dialTestServer(t, srv)
	tcp.expect(protocol.TypeResponse, protocol.CodeWelcome)
	tcp.send(&protocol.Message{Type: protocol.TypeLogin, User: "alice"})
	tcp.expect(protocol.TypeError, protocol.CodeLoginConflict)
}
