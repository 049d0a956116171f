package gateway

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerSendReceiveRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewPeer("client", "client-addr", clientConn)
	server := NewPeer("server", "server-addr", serverConn)

	payload, err := json.Marshal(map[string]string{"hello": "world"})
	require.NoError(t, err)
	msg := Message{Type: MsgHello, CorrelationID: "abc-123", Payload: payload}

	done := make(chan error, 1)
	go func() { done <- client.Send(msg) }()

	got, err := server.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, MsgHello, got.Type)
	assert.Equal(t, "abc-123", got.CorrelationID)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestPeerSendAfterCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	client := NewPeer("client", "client-addr", clientConn)
	client.Close()

	err := client.Send(Message{Type: MsgPing})
	assert.Error(t, err)
}
