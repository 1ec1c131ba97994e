package pulse

import (
	"testing"
	"time"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/snkey"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/relay"
	"github.com/tos-network/quorumd/snregistry"
	"github.com/tos-network/quorumd/transport"
)

// newTestCoordinator builds a 3x3 pulse quorum (so row/column relay edges
// are easy to reason about by hand) plus two workers, with self at
// position 0.
func newTestCoordinator(t *testing.T) (*Coordinator, []common.PubKey, []common.PubKey, *transport.Memory, chan Variant) {
	t.Helper()
	reg := snregistry.NewStatic()
	reg.Tip = 500

	var validators, workers []common.PubKey
	for i := 0; i < 9; i++ {
		kp, err := snkey.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		validators = append(validators, kp.Public)
		reg.Proofs[kp.Public] = snregistry.UptimeProof{
			Active: true, X25519Pubkey: kp.Public, PublicIP: "10.0.0.1", QuorumnetPort: uint16(30000 + i), Version: [3]uint64{1, 0, 0},
		}
	}
	for i := 0; i < 2; i++ {
		kp, err := snkey.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		workers = append(workers, kp.Public)
		reg.Proofs[kp.Public] = snregistry.UptimeProof{
			Active: true, X25519Pubkey: kp.Public, PublicIP: "10.0.0.2", QuorumnetPort: uint16(31000 + i), Version: [3]uint64{1, 0, 0},
		}
	}
	reg.SetQuorum(snregistry.QuorumTypePulse, 500, snregistry.StaticQuorum{Validators: validators, Workers: workers})

	qv := quorum.NewView(reg)
	pr := peer.NewResolver(reg)
	tr := transport.NewMemory()

	variants := make(chan Variant, 16)
	coord := NewCoordinator(Config{Self: validators[0]}, qv, pr, tr, func(v Variant) {
		variants <- v
	})
	if err := coord.SetRound(500); err != nil {
		t.Fatalf("SetRound: %v", err)
	}
	return coord, validators, workers, tr, variants
}

func recvVariant(t *testing.T, ch chan Variant) Variant {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("handler never received a variant")
		return Variant{}
	}
}

func TestHandshakeRelayRowAndColumn(t *testing.T) {
	coord, validators, _, tr, variants := newTestCoordinator(t)
	// Row 0 = {0,1,2}, column 0 = {0,3,6}: self is position 0.
	caller := validators[1]
	tr.SetConnected(validators[3], true) // opportunistic edge reachable
	// validators[6] left unconnected: opportunistic send must be skipped.

	msg := HandshakeMsg{Position: 1, Signature: common.Signature{1}}
	env := transport.Envelope{Caller: caller}
	if err := coord.HandleHandshake(env, msg); err != nil {
		t.Fatalf("HandleHandshake: %v", err)
	}

	v := recvVariant(t, variants)
	if v.Phase != PhaseHandshake || v.Handshake == nil || v.Handshake.Position != 1 {
		t.Fatalf("unexpected variant: %+v", v)
	}

	sends := tr.Sends()
	var strongTo, hintedTo []common.PubKey
	for _, s := range sends {
		if s.Command != CommandHandshake {
			t.Fatalf("unexpected command relayed: %s", s.Command)
		}
		if s.Hinted {
			hintedTo = append(hintedTo, s.Peer)
		} else {
			strongTo = append(strongTo, s.Peer)
		}
	}
	if len(strongTo) != 1 || strongTo[0] != validators[2] {
		t.Fatalf("expected strong relay only to validators[2] (row-mate, caller excluded), got %v", strongTo)
	}
	if len(hintedTo) != 1 || hintedTo[0] != validators[3] {
		t.Fatalf("expected opportunistic relay only to validators[3] (connected column-mate), got %v", hintedTo)
	}
}

func TestBitsetRelayReachesWorkers(t *testing.T) {
	coord, validators, workers, tr, variants := newTestCoordinator(t)
	tr.SetConnected(validators[3], true)
	tr.SetConnected(workers[0], true)
	tr.SetConnected(workers[1], true)

	msg := BitsetMsg{Bitset: 0b111, Position: 2, Signature: common.Signature{2}}
	if err := coord.HandleBitset(transport.Envelope{Caller: validators[1]}, msg); err != nil {
		t.Fatalf("HandleBitset: %v", err)
	}
	recvVariant(t, variants)

	seen := make(map[common.PubKey]bool)
	for _, s := range tr.Sends() {
		seen[s.Peer] = true
	}
	for _, w := range workers {
		if !seen[w] {
			t.Fatalf("expected bitset relay to reach worker %v", w)
		}
	}
}

func TestRandomValuePhasesDoNotReachWorkers(t *testing.T) {
	coord, validators, workers, tr, variants := newTestCoordinator(t)
	tr.SetConnected(validators[3], true)
	tr.SetConnected(workers[0], true)

	hashMsg := RandomValueHashMsg{Hash: common.Hash{9}, Position: 1, Signature: common.Signature{3}}
	if err := coord.HandleRandomValueHash(transport.Envelope{Caller: validators[2]}, hashMsg); err != nil {
		t.Fatalf("HandleRandomValueHash: %v", err)
	}
	recvVariant(t, variants)

	for _, s := range tr.Sends() {
		if s.Peer == workers[0] {
			t.Fatal("random_value_hash must not relay to workers")
		}
	}
}

func TestBlockTemplateUsesSubsetFanout(t *testing.T) {
	coord, validators, _, tr, variants := newTestCoordinator(t)

	msg := BlockTemplateMsg{Signature: common.Signature{4}, Template: []byte("next block")}
	if err := coord.HandleBlockTemplate(transport.Envelope{Caller: validators[5]}, msg); err != nil {
		t.Fatalf("HandleBlockTemplate: %v", err)
	}
	v := recvVariant(t, variants)
	if v.Phase != PhaseBlockTemplate || v.Template == nil || string(v.Template.Template) != "next block" {
		t.Fatalf("unexpected variant: %+v", v)
	}

	sends := tr.Sends()
	if len(sends) == 0 || len(sends) > relay.DefaultFanout {
		t.Fatalf("expected a bounded subset fan-out, got %d sends", len(sends))
	}
	for _, s := range sends {
		if s.Command != CommandBlockTemplate || s.Hinted {
			t.Fatalf("block_template relay must use direct Send, got %+v", s)
		}
	}
}

func TestOutOfBoundsPositionIsDropped(t *testing.T) {
	coord, validators, _, tr, variants := newTestCoordinator(t)

	msg := HandshakeMsg{Position: 99, Signature: common.Signature{5}}
	if err := coord.HandleHandshake(transport.Envelope{Caller: validators[1]}, msg); err != nil {
		t.Fatalf("HandleHandshake: %v", err)
	}
	select {
	case v := <-variants:
		t.Fatalf("expected out-of-bounds position to be dropped, got %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
	if len(tr.Sends()) != 0 {
		t.Fatal("expected no relay for an out-of-bounds position")
	}
}

func TestNoActiveRoundDropsEverything(t *testing.T) {
	reg := snregistry.NewStatic()
	reg.Tip = 500
	qv := quorum.NewView(reg)
	pr := peer.NewResolver(reg)
	tr := transport.NewMemory()
	variants := make(chan Variant, 1)
	coord := NewCoordinator(Config{}, qv, pr, tr, func(v Variant) { variants <- v })
	defer coord.Stop()

	err := coord.HandleHandshake(transport.Envelope{}, HandshakeMsg{Position: 0})
	if err != nil {
		t.Fatalf("HandleHandshake: %v", err)
	}
	select {
	case v := <-variants:
		t.Fatalf("expected no round to drop inbound messages, got %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
