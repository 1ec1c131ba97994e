package peer

import (
	"testing"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/snregistry"
)

func pk(b byte) common.PubKey {
	var p common.PubKey
	p[0] = b
	return p
}

func TestResolveActiveProof(t *testing.T) {
	reg := snregistry.NewStatic()
	self := pk(1)
	reg.Proofs[self] = snregistry.UptimeProof{
		Active:        true,
		X25519Pubkey:  pk(2),
		PublicIP:      "10.0.0.1",
		QuorumnetPort: 22023,
		Version:       [3]uint64{1, 2, 3},
	}
	r := NewResolver(reg)

	addr, err := r.Resolve(self)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.IP != "10.0.0.1" || addr.Port != 22023 {
		t.Fatalf("got %+v", addr)
	}
}

func TestResolveInactiveProofFails(t *testing.T) {
	reg := snregistry.NewStatic()
	self := pk(1)
	reg.Proofs[self] = snregistry.UptimeProof{Active: false}
	r := NewResolver(reg)

	if _, err := r.Resolve(self); err == nil {
		t.Fatal("expected error for inactive proof")
	}
}

func TestResolveUnknownPubkeyFails(t *testing.T) {
	reg := snregistry.NewStatic()
	r := NewResolver(reg)
	if _, err := r.Resolve(pk(9)); err == nil {
		t.Fatal("expected error for unknown pubkey")
	}
}

func TestResolveAllSkipsUnresolvable(t *testing.T) {
	reg := snregistry.NewStatic()
	good := pk(1)
	reg.Proofs[good] = snregistry.UptimeProof{Active: true, X25519Pubkey: pk(10), PublicIP: "10.0.0.1", QuorumnetPort: 1}
	// noX25519 publishes an otherwise-complete proof but never published an
	// x25519 key: spec.md §4.B requires all four predicates, so this must
	// be skipped rather than resolved with a garbage all-zero key.
	noX25519 := pk(4)
	reg.Proofs[noX25519] = snregistry.UptimeProof{Active: true, PublicIP: "10.0.0.4", QuorumnetPort: 4}
	r := NewResolver(reg)

	addrs := r.ResolveAll([]common.PubKey{good, noX25519, pk(2), pk(3)})
	if len(addrs) != 1 {
		t.Fatalf("got %d addrs, want 1", len(addrs))
	}
	if addrs[0].Pubkey != good {
		t.Fatalf("expected only %v to resolve, got %+v", good, addrs)
	}
}

func TestResolveRejectsIncompleteProof(t *testing.T) {
	cases := map[string]snregistry.UptimeProof{
		"missing x25519 key": {Active: true, PublicIP: "10.0.0.1", QuorumnetPort: 1},
		"missing public ip":  {Active: true, X25519Pubkey: pk(2), QuorumnetPort: 1},
		"missing port":       {Active: true, X25519Pubkey: pk(2), PublicIP: "10.0.0.1"},
	}
	for name, proof := range cases {
		reg := snregistry.NewStatic()
		self := pk(1)
		reg.Proofs[self] = proof
		r := NewResolver(reg)
		if _, err := r.Resolve(self); err == nil {
			t.Fatalf("%s: expected ErrPeerUnresolvable, got nil", name)
		}
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	reg := snregistry.NewStatic()
	self := pk(1)
	reg.Proofs[self] = snregistry.UptimeProof{Active: true, X25519Pubkey: pk(2), PublicIP: "10.0.0.1", QuorumnetPort: 1}
	r := NewResolver(reg)

	if _, err := r.Resolve(self); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Proofs[self] = snregistry.UptimeProof{Active: true, X25519Pubkey: pk(2), PublicIP: "10.0.0.2", QuorumnetPort: 2}
	r.Invalidate(self)

	addr, err := r.Resolve(self)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.IP != "10.0.0.2" {
		t.Fatalf("got %q, want refreshed IP", addr.IP)
	}
}

func TestCompareVersion(t *testing.T) {
	cases := []struct {
		a, b [3]uint64
		want int
	}{
		{[3]uint64{1, 0, 0}, [3]uint64{1, 0, 0}, 0},
		{[3]uint64{1, 0, 0}, [3]uint64{1, 0, 1}, -1},
		{[3]uint64{2, 0, 0}, [3]uint64{1, 9, 9}, 1},
	}
	for _, c := range cases {
		if got := CompareVersion(c.a, c.b); got != c.want {
			t.Fatalf("CompareVersion(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestVersionAtLeast(t *testing.T) {
	addr := Address{Version: [3]uint64{1, 2, 0}}
	if !VersionAtLeast(addr, [3]uint64{1, 1, 0}) {
		t.Fatal("expected 1.2.0 >= 1.1.0")
	}
	if VersionAtLeast(addr, [3]uint64{1, 3, 0}) {
		t.Fatal("expected 1.2.0 < 1.3.0")
	}
}
