package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/tolelom/dagbft/core"
)

// BroadcastBatchPropose implements primary.Gateway.
func (g *Gateway) BroadcastBatchPropose(header core.BatchHeader) {
	data, err := json.Marshal(struct {
		Round  uint64           `json:"round"`
		Header core.BatchHeader `json:"header"`
	}{header.Round, header})
	if err != nil {
		log.Printf("[gateway] marshal batch propose: %v", err)
		return
	}
	g.broadcast(Message{Type: MsgBatchPropose, Payload: data})
}

// SendBatchProposeTo implements primary.Gateway — used to resend a proposal
// to a single non-signer rather than the whole committee.
func (g *Gateway) SendBatchProposeTo(peerAddr string, header core.BatchHeader) {
	peer, ok := g.peerByAddress(peerAddr)
	if !ok {
		return
	}
	data, err := json.Marshal(struct {
		Round  uint64           `json:"round"`
		Header core.BatchHeader `json:"header"`
	}{header.Round, header})
	if err != nil {
		return
	}
	if err := peer.Send(Message{Type: MsgBatchPropose, Payload: data}); err != nil {
		log.Printf("[gateway] send batch propose to %s: %v", peerAddr, err)
	}
}

// SendBatchSignature implements primary.Gateway.
func (g *Gateway) SendBatchSignature(peerID string, batchID string, signature string) {
	peer, ok := g.peerByID(peerID)
	if !ok {
		peer, ok = g.peerByAddress(peerID)
	}
	if !ok {
		return
	}
	data, err := json.Marshal(struct {
		BatchID   string `json:"batch_id"`
		Signature string `json:"signature"`
	}{batchID, signature})
	if err != nil {
		return
	}
	if err := peer.Send(Message{Type: MsgBatchSignature, Payload: data}); err != nil {
		log.Printf("[gateway] send batch signature to %s: %v", peerID, err)
	}
}

// BroadcastBatchCertified implements primary.Gateway.
func (g *Gateway) BroadcastBatchCertified(cert core.BatchCertificate) {
	data, err := json.Marshal(cert)
	if err != nil {
		log.Printf("[gateway] marshal batch certified: %v", err)
		return
	}
	g.broadcast(Message{Type: MsgBatchCertified, Payload: data})
}

// RequestCertificate implements primary.Gateway.
func (g *Gateway) RequestCertificate(ctx context.Context, peer string, id string) (*core.BatchCertificate, error) {
	payload, err := json.Marshal(struct {
		ID string `json:"id"`
	}{id})
	if err != nil {
		return nil, err
	}
	reply, err := g.request(ctx, peer, MsgCertificateRequest, payload)
	if err != nil {
		return nil, fmt.Errorf("request certificate %s from %s: %w", id, peer, err)
	}
	var cert core.BatchCertificate
	if err := json.Unmarshal(reply.Payload, &cert); err != nil {
		return nil, fmt.Errorf("request certificate %s from %s: decode: %w", id, peer, err)
	}
	return &cert, nil
}

// RequestTransmissionFromAny fetches a transmission by trying every
// currently connected validator in turn. Matches worker.FetchFunc's
// signature so it can be handed straight to worker.New.
func (g *Gateway) RequestTransmissionFromAny(ctx context.Context, id core.TransmissionID) (core.Transmission, error) {
	var lastErr error
	for _, addr := range g.ConnectedValidators() {
		t, err := g.RequestTransmission(ctx, addr, id)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no connected validators")
	}
	return core.Transmission{}, fmt.Errorf("request transmission %s from any peer: %w", id.Key(), lastErr)
}

// RequestTransmission fetches a transmission from peer.
func (g *Gateway) RequestTransmission(ctx context.Context, peer string, id core.TransmissionID) (core.Transmission, error) {
	payload, err := json.Marshal(id)
	if err != nil {
		return core.Transmission{}, err
	}
	reply, err := g.request(ctx, peer, MsgTransmissionRequest, payload)
	if err != nil {
		return core.Transmission{}, fmt.Errorf("request transmission %s from %s: %w", id.Key(), peer, err)
	}
	var t core.Transmission
	if err := json.Unmarshal(reply.Payload, &t); err != nil {
		return core.Transmission{}, fmt.Errorf("request transmission %s from %s: decode: %w", id.Key(), peer, err)
	}
	return t, nil
}

// ConnectedValidators implements primary.Gateway.
func (g *Gateway) ConnectedValidators() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byAddress))
	for addr := range g.byAddress {
		out = append(out, addr)
	}
	return out
}

// ResolvePeerAddress implements primary.Gateway.
func (g *Gateway) ResolvePeerAddress(peerID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.peers[peerID]
	if !ok || p.Address == "" {
		return "", false
	}
	return p.Address, true
}

func (g *Gateway) broadcast(msg Message) {
	g.mu.RLock()
	peers := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			log.Printf("[gateway] broadcast to %s: %v", p.ID, err)
		}
	}
}
