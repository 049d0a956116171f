package gateway

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/dagbft/core"
)

// DefaultMaxPeers mirrors the teacher's connection ceiling.
const DefaultMaxPeers = 50

// PrimaryHandler is everything the gateway needs to hand an incoming
// message to the Primary. Defined here (rather than importing package
// primary) so gateway stays free of any dependency on proposing logic and
// is testable with a fake.
type PrimaryHandler interface {
	ProcessBatchProposeFromPeer(ctx context.Context, peerID string, round uint64, header core.BatchHeader) error
	ProcessBatchSignatureFromPeer(peerID, batchID, signature string) error
	ProcessBatchCertificateFromPeer(ctx context.Context, peerID string, cert *core.BatchCertificate) error
	GetCertificate(id string) (*core.BatchCertificate, bool)
	GetTransmission(id core.TransmissionID) (core.Transmission, bool)
}

type pendingRequest struct {
	replyCh chan Message
}

// Gateway implements primary.Gateway over authenticated TCP connections. One
// Gateway per validator process.
type Gateway struct {
	self       string
	listenAddr string
	tlsConfig  *tls.Config
	maxPeers   int

	handler PrimaryHandler

	mu         sync.RWMutex
	peers      map[string]*Peer // transport id -> peer
	byAddress  map[string]string // committee address -> transport id

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	listener net.Listener
	stopCh   chan struct{}
}

// SetHandler assigns the gateway's message handler. Exists so a Gateway can
// be constructed before the Primary it will drive, which in turn needs the
// Gateway to exist first — callers wire both, then call SetHandler once.
func (g *Gateway) SetHandler(h PrimaryHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *Gateway) currentHandler() PrimaryHandler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

// New creates a Gateway bound to listenAddr. tlsCfg may be nil for plaintext
// deployments (local testing only); production validators always supply
// mTLS config from crypto/certgen.
func New(self, listenAddr string, tlsCfg *tls.Config, handler PrimaryHandler) *Gateway {
	return &Gateway{
		self:       self,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		handler:    handler,
		peers:      make(map[string]*Peer),
		byAddress:  make(map[string]string),
		pending:    make(map[string]*pendingRequest),
		stopCh:     make(chan struct{}),
	}
}

// Start begins accepting inbound connections.
func (g *Gateway) Start() error {
	var ln net.Listener
	var err error
	if g.tlsConfig != nil {
		ln, err = tls.Listen("tcp", g.listenAddr, g.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", g.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.listenAddr, err)
	}
	g.listener = ln
	go g.acceptLoop()
	return nil
}

// Stop closes the listener and every connected peer.
func (g *Gateway) Stop() {
	close(g.stopCh)
	if g.listener != nil {
		g.listener.Close()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.peers {
		p.Close()
	}
}

// Dial connects to addr, expected to belong to committee address
// validatorAddr, and sends a hello carrying this validator's own address.
// The remote address is known up front (it is how the caller chose to dial
// it), so it is registered immediately rather than waiting on a return
// hello.
func (g *Gateway) Dial(validatorAddr, addr string) error {
	peer, err := Connect(validatorAddr, addr, g.tlsConfig, core.PeerConnectTimeout)
	if err != nil {
		return err
	}
	peer.Address = validatorAddr
	g.registerPeer(peer)
	go g.readLoop(peer)

	hello, _ := json.Marshal(map[string]string{"address": g.self})
	if err := peer.Send(Message{Type: MsgHello, Payload: hello}); err != nil {
		log.Printf("[gateway] send hello to %s: %v", validatorAddr, err)
	}
	return nil
}

func (g *Gateway) registerPeer(p *Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[p.ID] = p
	if p.Address != "" {
		g.byAddress[p.Address] = p.ID
	}
}

func (g *Gateway) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
				log.Printf("[gateway] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		g.mu.RLock()
		count := len(g.peers)
		g.mu.RUnlock()
		if count >= g.maxPeers {
			log.Printf("[gateway] max peers (%d) reached, rejecting %s", g.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		g.registerPeer(peer)
		go g.readLoop(peer)
	}
}

func (g *Gateway) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[gateway] readLoop panic from %s: %v", peer.ID, r)
		}
		peer.Close()
		g.mu.Lock()
		delete(g.peers, peer.ID)
		if peer.Address != "" {
			delete(g.byAddress, peer.Address)
		}
		g.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		g.dispatch(peer, msg)
	}
}

func (g *Gateway) dispatch(peer *Peer, msg Message) {
	ctx := context.Background()
	handler := g.currentHandler()
	switch msg.Type {
	case MsgHello:
		var body struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return
		}
		g.mu.Lock()
		peer.Address = body.Address
		g.byAddress[body.Address] = peer.ID
		g.mu.Unlock()

	case MsgBatchPropose:
		var body struct {
			Round  uint64          `json:"round"`
			Header core.BatchHeader `json:"header"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return
		}
		if err := handler.ProcessBatchProposeFromPeer(ctx, peer.ID, body.Round, body.Header); err != nil {
			log.Printf("[gateway] batch propose from %s: %v", peer.ID, err)
		}

	case MsgBatchSignature:
		var body struct {
			BatchID   string `json:"batch_id"`
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return
		}
		if err := handler.ProcessBatchSignatureFromPeer(peer.ID, body.BatchID, body.Signature); err != nil {
			log.Printf("[gateway] batch signature from %s: %v", peer.ID, err)
		}

	case MsgBatchCertified:
		var cert core.BatchCertificate
		if err := json.Unmarshal(msg.Payload, &cert); err != nil {
			return
		}
		if err := handler.ProcessBatchCertificateFromPeer(ctx, peer.ID, &cert); err != nil {
			log.Printf("[gateway] batch certified from %s: %v", peer.ID, err)
		}

	case MsgCertificateRequest:
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			return
		}
		cert, _ := handler.GetCertificate(body.ID)
		data, _ := json.Marshal(cert)
		_ = peer.Send(Message{Type: MsgCertificateReply, CorrelationID: msg.CorrelationID, Payload: data})

	case MsgTransmissionRequest:
		var id core.TransmissionID
		if err := json.Unmarshal(msg.Payload, &id); err != nil {
			return
		}
		t, _ := handler.GetTransmission(id)
		data, _ := json.Marshal(t)
		_ = peer.Send(Message{Type: MsgTransmissionReply, CorrelationID: msg.CorrelationID, Payload: data})

	case MsgCertificateReply, MsgTransmissionReply:
		g.deliverReply(msg)
	}
}

func (g *Gateway) deliverReply(msg Message) {
	g.pendingMu.Lock()
	req, ok := g.pending[msg.CorrelationID]
	g.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case req.replyCh <- msg:
	default:
	}
}

func newCorrelationID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (g *Gateway) peerByAddress(addr string) (*Peer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byAddress[addr]
	if !ok {
		return nil, false
	}
	p, ok := g.peers[id]
	return p, ok
}

func (g *Gateway) peerByID(id string) (*Peer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[id]
	return p, ok
}

// request sends msg to the peer resolved from target (either a committee
// address or a raw transport id) and waits for a correlated reply.
func (g *Gateway) request(ctx context.Context, target string, typ MsgType, payload []byte) (Message, error) {
	peer, ok := g.peerByAddress(target)
	if !ok {
		peer, ok = g.peerByID(target)
	}
	if !ok {
		return Message{}, fmt.Errorf("gateway: no connection to %s", target)
	}

	corrID := newCorrelationID()
	req := &pendingRequest{replyCh: make(chan Message, 1)}
	g.pendingMu.Lock()
	g.pending[corrID] = req
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, corrID)
		g.pendingMu.Unlock()
	}()

	if err := peer.Send(Message{Type: typ, CorrelationID: corrID, Payload: payload}); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-req.replyCh:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
