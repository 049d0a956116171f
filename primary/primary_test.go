package primary

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/internal/testutil"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/worker"
)

// fakeGateway is an in-memory primary.Gateway: no network, just bookkeeping
// so tests can assert what the Primary tried to send.
type fakeGateway struct {
	mu sync.Mutex

	addrByPeerID map[string]string // peerID -> validator address
	connected    []string

	certsByID map[string]*core.BatchCertificate

	broadcastedProposals   []core.BatchHeader
	sentProposeTo          map[string]core.BatchHeader
	sentSignatures         []sentSignature
	broadcastedCertificates []core.BatchCertificate
}

type sentSignature struct {
	peer, batchID, signature string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		addrByPeerID: make(map[string]string),
		certsByID:    make(map[string]*core.BatchCertificate),
		sentProposeTo: make(map[string]core.BatchHeader),
	}
}

func (g *fakeGateway) BroadcastBatchPropose(header core.BatchHeader) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcastedProposals = append(g.broadcastedProposals, header)
}

func (g *fakeGateway) SendBatchProposeTo(peer string, header core.BatchHeader) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sentProposeTo[peer] = header
}

func (g *fakeGateway) SendBatchSignature(peer string, batchID string, signature string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sentSignatures = append(g.sentSignatures, sentSignature{peer, batchID, signature})
}

func (g *fakeGateway) BroadcastBatchCertified(cert core.BatchCertificate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcastedCertificates = append(g.broadcastedCertificates, cert)
}

func (g *fakeGateway) RequestCertificate(ctx context.Context, peer string, id string) (*core.BatchCertificate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.certsByID[id]
	if !ok {
		return nil, assertNotFoundErr
	}
	return c, nil
}

func (g *fakeGateway) ConnectedValidators() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.connected...)
}

func (g *fakeGateway) ResolvePeerAddress(peerID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr, ok := g.addrByPeerID[peerID]
	return addr, ok
}

func (g *fakeGateway) setPeer(peerID, addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addrByPeerID[peerID] = addr
	g.connected = append(g.connected, addr)
}

var assertNotFoundErr = core.ErrNotFound

// fakeBFT records handoffs and always reports the engine ready, mirroring a
// single-process deployment where the BFT engine advances in lockstep.
type fakeBFT struct {
	mu    sync.Mutex
	certs []*core.BatchCertificate
	ready bool
}

func newFakeBFT(ready bool) *fakeBFT { return &fakeBFT{ready: ready} }

func (b *fakeBFT) SendPrimaryRoundToBFT(round uint64) bool { return b.ready }

func (b *fakeBFT) SendPrimaryCertificateToBFT(cert *core.BatchCertificate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.certs = append(b.certs, cert)
	return nil
}

type fourNode struct {
	privs     []crypto.PrivateKey
	committee *core.Committee
}

func newFourNode(t *testing.T) *fourNode {
	t.Helper()
	privs := make([]crypto.PrivateKey, 4)
	stakes := make(map[string]uint64, 4)
	for i := range privs {
		priv, _, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		privs[i] = priv
		stakes[priv.Public().Hex()] = 25
	}
	return &fourNode{privs: privs, committee: core.NewCommittee(1, stakes)}
}

func newTestPrimary(t *testing.T, n *fourNode, self crypto.PrivateKey, gw Gateway, bft BFTLink) (*Primary, *storage.Storage) {
	t.Helper()
	st := storage.New(10)
	l := testutil.NewMemLedger(n.committee, 0)
	workers := []*worker.Worker{
		worker.New(0, l, func(ctx context.Context, id core.TransmissionID) (core.Transmission, error) {
			return core.Transmission{}, assertNotFoundErr
		}, 100),
	}
	emitter := events.NewEmitter()
	p := New(self.Public().Hex(), self, st, workers, l, gw, bft, emitter)
	return p, st
}

func TestProposeBatchNoopWithoutQuorumConnected(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[0], gw, newFakeBFT(true))

	require.NoError(t, p.ProposeBatch())
	assert.Empty(t, gw.broadcastedProposals, "25 stake (self only) must not reach the 67 quorum threshold")
}

func TestProposeBatchBroadcastsOnceQuorumConnected(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[0], gw, newFakeBFT(true))

	gw.setPeer("peer-b", n.privs[1].Public().Hex())
	gw.setPeer("peer-c", n.privs[2].Public().Hex())

	require.NoError(t, p.ProposeBatch())
	require.Len(t, gw.broadcastedProposals, 1)
	header := gw.broadcastedProposals[0]
	assert.Equal(t, uint64(1), header.Round)
	assert.Equal(t, n.privs[0].Public().Hex(), header.Author)
	assert.NoError(t, header.VerifyAuthorSignature())
}

func TestProposeBatchNotCommitteeMemberIsNoop(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	outsider, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p, _ := newTestPrimary(t, n, outsider, gw, newFakeBFT(true))
	gw.setPeer("peer-b", n.privs[1].Public().Hex())
	gw.setPeer("peer-c", n.privs[2].Public().Hex())

	require.NoError(t, p.ProposeBatch())
	assert.Empty(t, gw.broadcastedProposals)
}

func TestProcessBatchProposeFromPeerSignsAndReturnsSignature(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[1], gw, newFakeBFT(true))
	gw.setPeer("peer-author", n.privs[0].Public().Hex())

	header := core.BatchHeader{
		Author:      n.privs[0].Public().Hex(),
		Round:       1,
		Timestamp:   1000,
		CommitteeID: n.committee.ID(),
	}
	header.Sign(n.privs[0])

	require.NoError(t, p.ProcessBatchProposeFromPeer(context.Background(), "peer-author", 1, header))
	require.Len(t, gw.sentSignatures, 1)
	assert.Equal(t, "peer-author", gw.sentSignatures[0].peer)
	assert.Equal(t, header.BatchID(), gw.sentSignatures[0].batchID)
}

func TestProcessBatchProposeFromPeerRejectsEquivocation(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[1], gw, newFakeBFT(true))
	gw.setPeer("peer-author", n.privs[0].Public().Hex())

	h1 := core.BatchHeader{Author: n.privs[0].Public().Hex(), Round: 1, Timestamp: 1000, CommitteeID: n.committee.ID()}
	h1.Sign(n.privs[0])
	require.NoError(t, p.ProcessBatchProposeFromPeer(context.Background(), "peer-author", 1, h1))

	h2 := core.BatchHeader{Author: n.privs[0].Public().Hex(), Round: 1, Timestamp: 2000, CommitteeID: n.committee.ID()}
	h2.Sign(n.privs[0])
	err := p.ProcessBatchProposeFromPeer(context.Background(), "peer-author", 1, h2)
	assert.ErrorIs(t, err, core.ErrEquivocation)
}

func TestProcessBatchProposeFromPeerResendIsIdempotent(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[1], gw, newFakeBFT(true))
	gw.setPeer("peer-author", n.privs[0].Public().Hex())

	header := core.BatchHeader{Author: n.privs[0].Public().Hex(), Round: 1, Timestamp: 1000, CommitteeID: n.committee.ID()}
	header.Sign(n.privs[0])

	require.NoError(t, p.ProcessBatchProposeFromPeer(context.Background(), "peer-author", 1, header))
	require.NoError(t, p.ProcessBatchProposeFromPeer(context.Background(), "peer-author", 1, header))
	assert.Len(t, gw.sentSignatures, 2)
	assert.Equal(t, gw.sentSignatures[0].signature, gw.sentSignatures[1].signature)
}

func TestProcessBatchSignatureFormsCertificateAtQuorum(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	bft := newFakeBFT(true)
	p, st := newTestPrimary(t, n, n.privs[0], gw, bft)

	gw.setPeer("peer-b", n.privs[1].Public().Hex())
	gw.setPeer("peer-c", n.privs[2].Public().Hex())

	require.NoError(t, p.ProposeBatch())
	require.Len(t, gw.broadcastedProposals, 1)
	header := gw.broadcastedProposals[0]
	batchID := header.BatchID()

	sigB := crypto.Sign(n.privs[1], []byte(batchID))
	require.NoError(t, p.ProcessBatchSignatureFromPeer("peer-b", batchID, sigB))
	assert.Empty(t, gw.broadcastedCertificates, "one signer plus self (50) must not yet reach quorum (67)")

	sigC := crypto.Sign(n.privs[2], []byte(batchID))
	require.NoError(t, p.ProcessBatchSignatureFromPeer("peer-c", batchID, sigC))

	require.Len(t, gw.broadcastedCertificates, 1)
	cert := gw.broadcastedCertificates[0]
	assert.True(t, cert.ReachesQuorum(n.committee))
	assert.True(t, st.ContainsCertificate(cert.ID()))

	bft.mu.Lock()
	assert.Len(t, bft.certs, 1)
	bft.mu.Unlock()
}

func TestProcessBatchSignatureRejectsSelfSignature(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[0], gw, newFakeBFT(true))
	gw.setPeer("peer-self", n.privs[0].Public().Hex())

	err := p.ProcessBatchSignatureFromPeer("peer-self", "whatever", "sig")
	assert.Error(t, err)
}

func TestProcessBatchCertificateFromPeerSkipsOwnCertificate(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[0], gw, newFakeBFT(true))

	header := core.BatchHeader{Author: n.privs[0].Public().Hex(), Round: 1, CommitteeID: n.committee.ID()}
	header.Sign(n.privs[0])
	cert := &core.BatchCertificate{Header: header, Signatures: map[string]string{}}

	assert.NoError(t, p.ProcessBatchCertificateFromPeer(context.Background(), "peer-x", cert))
}

func TestProcessBatchCertificateFromPeerDeliversToBFT(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	bft := newFakeBFT(true)
	p, st := newTestPrimary(t, n, n.privs[0], gw, bft)

	header := core.BatchHeader{Author: n.privs[1].Public().Hex(), Round: 1, CommitteeID: n.committee.ID()}
	header.Sign(n.privs[1])
	batchID := header.BatchID()
	cert := &core.BatchCertificate{
		Header: header,
		Signatures: map[string]string{
			n.privs[2].Public().Hex(): crypto.Sign(n.privs[2], []byte(batchID)),
			n.privs[3].Public().Hex(): crypto.Sign(n.privs[3], []byte(batchID)),
		},
	}
	require.True(t, cert.ReachesQuorum(n.committee))

	require.NoError(t, p.ProcessBatchCertificateFromPeer(context.Background(), "peer-x", cert))
	assert.True(t, st.ContainsCertificate(cert.ID()))

	bft.mu.Lock()
	require.Len(t, bft.certs, 1, "a genuine peer certificate must still reach the BFT engine's DAG")
	assert.Equal(t, cert.ID(), bft.certs[0].ID())
	bft.mu.Unlock()
}

func TestIsSyncedReflectsRoundProgress(t *testing.T) {
	n := newFourNode(t)
	gw := newFakeGateway()
	p, _ := newTestPrimary(t, n, n.privs[0], gw, newFakeBFT(true))
	assert.True(t, p.IsSynced())
}
