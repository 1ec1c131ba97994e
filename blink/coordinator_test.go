package blink

import (
	"testing"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/snkey"
	"github.com/tos-network/quorumd/mempool"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/snregistry"
	"github.com/tos-network/quorumd/transport"
)

// node bundles everything needed to stand up one simulated quorum
// member: its own signing identity, coordinator, and shared views onto
// a common registry/transport/mempool fabric.
type node struct {
	kp   snkey.KeyPair
	coor *Coordinator
	tr   *transport.Memory
}

type harness struct {
	reg   *snregistry.Static
	pool  *mempool.Memory
	nodes map[common.PubKey]*node
	tip   uint64
}

func newHarness(t *testing.T, quorumSize int, tip uint64) *harness {
	t.Helper()
	h := &harness{
		reg:   snregistry.NewStatic(),
		pool:  mempool.NewMemory(tip),
		nodes: make(map[common.PubKey]*node),
		tip:   tip,
	}
	h.reg.Tip = tip

	baseHeight, ok := quorum.BlinkQuorumHeight(tip, quorum.SubquorumBase)
	if !ok {
		t.Fatalf("tip %d too low for a base subquorum", tip)
	}
	futureHeight, _ := quorum.BlinkQuorumHeight(tip, quorum.SubquorumFuture)

	baseKPs := make([]snkey.KeyPair, quorumSize)
	futureKPs := make([]snkey.KeyPair, quorumSize)
	for i := 0; i < quorumSize; i++ {
		kp, err := snkey.Generate()
		if err != nil {
			t.Fatalf("generate base key: %v", err)
		}
		baseKPs[i] = kp
		kp2, err := snkey.Generate()
		if err != nil {
			t.Fatalf("generate future key: %v", err)
		}
		futureKPs[i] = kp2
	}

	baseValidators := make([]common.PubKey, quorumSize)
	futureValidators := make([]common.PubKey, quorumSize)
	for i, kp := range baseKPs {
		baseValidators[i] = kp.Public
	}
	for i, kp := range futureKPs {
		futureValidators[i] = kp.Public
	}
	h.reg.SetQuorum(snregistry.QuorumTypeBlink, baseHeight, snregistry.StaticQuorum{Validators: baseValidators})
	h.reg.SetQuorum(snregistry.QuorumTypeBlink, futureHeight, snregistry.StaticQuorum{Validators: futureValidators})

	allKPs := append(append([]snkey.KeyPair{}, baseKPs...), futureKPs...)
	for i, kp := range allKPs {
		port := uint16(20000 + i)
		h.reg.Proofs[kp.Public] = snregistry.UptimeProof{
			Active:        true,
			X25519Pubkey:  kp.Public,
			PublicIP:      "10.0.0.1",
			QuorumnetPort: port,
			Version:       [3]uint64{1, 0, 0},
		}
	}

	for _, kp := range allKPs {
		h.addNode(kp)
	}
	return h
}

func (h *harness) addNode(kp snkey.KeyPair) *node {
	qv := quorum.NewView(h.reg)
	pr := peer.NewResolver(h.reg)
	tr := transport.NewMemory()
	cfg := Config{
		Self:            kp.Public,
		Signer:          kp,
		HFVersion:       10,
		BlinkEnabledHF:  1,
		RetentionBlocks: 10,
	}
	coor := NewCoordinator(cfg, qv, pr, h.pool, tr)
	n := &node{kp: kp, coor: coor, tr: tr}
	h.nodes[kp.Public] = n
	return n
}

func TestHandleSubmitRejectsHeightTooLow(t *testing.T) {
	h := newHarness(t, quorum.BlinkSubquorumSize, 1000)
	var self common.PubKey
	for pk := range h.nodes {
		self = pk
		break
	}
	n := h.nodes[self]

	msg := SubmitMsg{Tag: 42, Height: 1000 - 3, Checksum: 0, TxBlob: []byte("tx"), TxHash: common.BytesToHash([]byte("hash"))}
	env := transport.Envelope{ConnID: 1}
	if err := n.coor.HandleSubmit(env, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := n.tr.Sends()
	if len(sent) != 1 || sent[0].Command != transport.Command(CommandNostart) {
		t.Fatalf("expected exactly one nostart, got %+v", sent)
	}
	nostart, err := UnmarshalNostart(sent[0].Payload)
	if err != nil {
		t.Fatalf("unmarshal nostart: %v", err)
	}
	if nostart.Tag != 42 || nostart.Reason != "Invalid blink authorization height" {
		t.Fatalf("got %+v", nostart)
	}
	if n.coor.EntryCount() != 0 {
		t.Fatal("no cache entry should be created for a rejected height")
	}
}

func TestHandleSubmitRejectsChecksumMismatch(t *testing.T) {
	h := newHarness(t, quorum.BlinkSubquorumSize, 1000)
	var self common.PubKey
	for pk := range h.nodes {
		self = pk
		break
	}
	n := h.nodes[self]

	msg := SubmitMsg{Tag: 7, Height: 1000, Checksum: 999999, TxBlob: []byte("tx"), TxHash: common.BytesToHash([]byte("hash"))}
	env := transport.Envelope{ConnID: 1}
	if err := n.coor.HandleSubmit(env, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := n.tr.Sends()
	if len(sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(sent))
	}
	nostart, err := UnmarshalNostart(sent[0].Payload)
	if err != nil {
		t.Fatalf("unmarshal nostart: %v", err)
	}
	if nostart.Tag != 7 {
		t.Fatalf("got tag %d", nostart.Tag)
	}
}

func TestFullQuorumApprovalResolvesGood(t *testing.T) {
	const n = quorum.BlinkSubquorumSize
	h := newHarness(t, n, 1000)

	baseHeight, _ := quorum.BlinkQuorumHeight(1000, quorum.SubquorumBase)
	baseValidators, _, _ := h.reg.Quorum(snregistry.QuorumTypeBlink, baseHeight)

	originator := h.nodes[baseValidators[0]]
	qv := quorum.NewView(h.reg)
	qa, err := qv.ComputeQuorumArray(1000)
	if err != nil {
		t.Fatalf("compute quorum array: %v", err)
	}

	txBlob := []byte("a valid transaction body")
	tx, err := h.pool.ParseTx(txBlob)
	if err != nil {
		t.Fatalf("parse tx: %v", err)
	}

	submit := SubmitMsg{Tag: 0xDEADBEEF, Height: 1000, Checksum: qa.Checksum, TxBlob: txBlob, TxHash: tx.Hash}
	env := transport.Envelope{ConnID: 1}
	if err := originator.coor.HandleSubmit(env, submit); err != nil {
		t.Fatalf("HandleSubmit: %v", err)
	}

	// Feed the forwarded submission to every other member of both
	// subquorums, and their signature bundles back to each other, until
	// convergence.
	for i := 1; i < n; i++ {
		peerNode := h.nodes[baseValidators[i]]
		fwd := submit
		fwd.Tag = 0
		if err := peerNode.coor.HandleSubmit(transport.Envelope{ConnID: 2, Caller: originator.kp.Public}, fwd); err != nil {
			t.Fatalf("peer %d HandleSubmit: %v", i, err)
		}
	}
	futureHeight, _ := quorum.BlinkQuorumHeight(1000, quorum.SubquorumFuture)
	futureValidators, _, _ := h.reg.Quorum(snregistry.QuorumTypeBlink, futureHeight)
	for i := 0; i < n; i++ {
		peerNode := h.nodes[futureValidators[i]]
		fwd := submit
		fwd.Tag = 0
		if err := peerNode.coor.HandleSubmit(transport.Envelope{ConnID: 2, Caller: originator.kp.Public}, fwd); err != nil {
			t.Fatalf("future peer %d HandleSubmit: %v", i, err)
		}
	}

	// Drain every node's outbound blink_sign bundles into every other
	// node, repeating until no more signatures are pending.
	for round := 0; round < n*2; round++ {
		delivered := false
		for _, sender := range h.nodes {
			for _, s := range sender.tr.Sends() {
				if s.Command != transport.Command(CommandSign) {
					continue
				}
				signMsg, err := UnmarshalSign(s.Payload)
				if err != nil {
					t.Fatalf("unmarshal sign: %v", err)
				}
				recipient, ok := h.nodes[s.Peer]
				if !ok {
					continue
				}
				if err := recipient.coor.HandleSign(transport.Envelope{Caller: common.PubKey{}}, signMsg); err != nil {
					t.Fatalf("HandleSign: %v", err)
				}
				delivered = true
			}
		}
		if !delivered {
			break
		}
	}

	found := false
	for _, s := range originator.tr.Sends() {
		if s.Command != transport.Command(CommandGood) {
			continue
		}
		tagMsg, err := UnmarshalTagMsg(s.Payload)
		if err != nil {
			t.Fatalf("unmarshal tag msg: %v", err)
		}
		if tagMsg.Tag == 0xDEADBEEF {
			found = true
		}
	}
	if !found {
		t.Fatal("expected bl.good with the original tag once the quorum approved")
	}
}

func TestDetachedSignatureIsStashedThenMerged(t *testing.T) {
	h := newHarness(t, quorum.BlinkSubquorumSize, 1000)
	baseHeight, _ := quorum.BlinkQuorumHeight(1000, quorum.SubquorumBase)
	baseValidators, _, _ := h.reg.Quorum(snregistry.QuorumTypeBlink, baseHeight)
	futureHeight, _ := quorum.BlinkQuorumHeight(1000, quorum.SubquorumFuture)
	futureValidators, _, _ := h.reg.Quorum(snregistry.QuorumTypeBlink, futureHeight)
	_ = futureValidators

	receiver := h.nodes[baseValidators[4]]
	txBlob := []byte("some tx")
	tx, _ := h.pool.ParseTx(txBlob)

	qv := quorum.NewView(h.reg)
	qa, _ := qv.ComputeQuorumArray(1000)

	sender := h.nodes[baseValidators[2]]
	sig := sender.kp.Sign(approveHash(tx.Hash))
	signMsg := SignMsg{
		Height:   1000,
		TxHash:   tx.Hash,
		Checksum: qa.Checksum,
		Indices:  []uint64{0},
		Positions: []int{2},
		Results:   []bool{true},
		Sigs:      [][]byte{sig.Bytes()},
	}
	if err := receiver.coor.HandleSign(transport.Envelope{}, signMsg); err != nil {
		t.Fatalf("HandleSign: %v", err)
	}
	if receiver.coor.EntryCount() != 1 {
		t.Fatalf("expected one entry created for the detached signature")
	}

	submit := SubmitMsg{Height: 1000, Checksum: qa.Checksum, TxBlob: txBlob, TxHash: tx.Hash}
	if err := receiver.coor.HandleSubmit(transport.Envelope{Caller: sender.kp.Public}, submit); err != nil {
		t.Fatalf("HandleSubmit: %v", err)
	}

	key := Key{Height: 1000, TxHash: tx.Hash}
	receiver.coor.mu.Lock()
	entry := receiver.coor.entries[key]
	receiver.coor.mu.Unlock()
	if entry.BTx == nil {
		t.Fatal("expected BTx to be populated after submission")
	}
	if !entry.BTx.SlotFilled(0, 2) {
		t.Fatal("expected the pending signature from position 2 to have been merged")
	}
}
