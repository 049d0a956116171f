// Package gateway implements the validator-to-validator transport: mTLS
// connections authenticated by committee address, length-prefixed JSON
// framing, and request/response correlation for certificate and
// transmission fetches. Grounded on the teacher repo's network package,
// generalized from block/tx gossip to batch propose/sign/certify messages.
package gateway

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MsgType labels a gateway message.
type MsgType string

const (
	MsgHello              MsgType = "hello"
	MsgBatchPropose       MsgType = "batch_propose"
	MsgBatchSignature     MsgType = "batch_signature"
	MsgBatchCertified     MsgType = "batch_certified"
	MsgCertificateRequest MsgType = "certificate_request"
	MsgCertificateReply   MsgType = "certificate_reply"
	MsgTransmissionRequest MsgType = "transmission_request"
	MsgTransmissionReply   MsgType = "transmission_reply"
	MsgPing               MsgType = "ping"
)

// Message is the envelope for all gateway communication. CorrelationID ties
// a reply to the request that produced it; empty for fire-and-forget
// messages (propose, signature, certified, ping).
type Message struct {
	Type          MsgType         `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Peer is a connected remote validator.
type Peer struct {
	ID      string // transport-level connection id (remote addr)
	Addr    string
	Address string // resolved committee address, set after hello

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established connection as a Peer.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials addr, optionally over TLS, within core.PeerConnectTimeout.
func Connect(id, addr string, tlsCfg *tls.Config, timeout time.Duration) (*Peer, error) {
	dialer := net.Dialer{Timeout: timeout}
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a length-prefixed JSON message to the peer.
func (p *Peer) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = p.conn.Write(data)
	return err
}

// Receive reads the next length-prefixed JSON message. A 30-second read
// deadline prevents a stalled peer from blocking a reader goroutine forever.
func (p *Peer) Receive() (Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > 32*1024*1024 {
		return Message{}, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
