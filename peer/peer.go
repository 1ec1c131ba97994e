// Package peer resolves a service-node pubkey to a transport address: the
// x25519 identity and quorumnet endpoint published in its latest uptime
// proof. It is component B (spec.md §4.B) and sits directly on top of
// snregistry, with an ARC cache over resolved addresses following the
// teacher's own lru.NewARC usage in consensus/dpos/dpos.go.
package peer

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/snregistry"
)

const addressCacheSize = 4096

// ErrPeerUnresolvable is returned when a service node has no active,
// well-formed uptime proof to resolve to a transport address.
var ErrPeerUnresolvable = errors.New("peer: cannot resolve pubkey to an address")

// Address is the transport-reachable identity of a service node, derived
// from its uptime proof.
type Address struct {
	Pubkey    common.PubKey
	X25519    common.PubKey
	IP        string
	Port      uint16
	Version   [3]uint64
}

// Resolver resolves signing pubkeys to transport addresses, caching
// results to avoid re-parsing uptime proofs on every relay decision.
type Resolver struct {
	reg   snregistry.Registry
	cache *lru.ARCCache
}

func NewResolver(reg snregistry.Registry) *Resolver {
	cache, err := lru.NewARC(addressCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which addressCacheSize never is.
		panic(fmt.Sprintf("peer: lru.NewARC: %v", err))
	}
	return &Resolver{reg: reg, cache: cache}
}

// Resolve returns the transport address for pubkey, using the cache when
// present and falling back to the registry's current uptime proof.
func (r *Resolver) Resolve(pubkey common.PubKey) (Address, error) {
	if v, ok := r.cache.Get(pubkey); ok {
		return v.(Address), nil
	}
	proof, ok := r.reg.UptimeProof(pubkey)
	if !ok || !proof.Active || proof.X25519Pubkey.IsZero() || proof.PublicIP == "" || proof.QuorumnetPort == 0 {
		return Address{}, fmt.Errorf("%w: %s", ErrPeerUnresolvable, pubkey)
	}
	addr := Address{
		Pubkey:  pubkey,
		X25519:  proof.X25519Pubkey,
		IP:      proof.PublicIP,
		Port:    proof.QuorumnetPort,
		Version: proof.Version,
	}
	r.cache.Add(pubkey, addr)
	return addr, nil
}

// ResolveAll resolves every pubkey in validators, skipping (not erroring
// on) any that cannot currently be resolved — relay planning proceeds
// best-effort over whichever peers are reachable.
func (r *Resolver) ResolveAll(validators []common.PubKey) []Address {
	out := make([]Address, 0, len(validators))
	for _, pk := range validators {
		addr, err := r.Resolve(pk)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Invalidate drops a cached address, e.g. after a peer's uptime proof is
// superseded or the node is found unreachable.
func (r *Resolver) Invalidate(pubkey common.PubKey) {
	r.cache.Remove(pubkey)
}

// VersionAtLeast reports whether addr.Version is >= min under
// lexicographic (major, minor, patch) comparison, used by the relay
// planner's version-sort fan-out selection.
func VersionAtLeast(addr Address, min [3]uint64) bool {
	for i := 0; i < 3; i++ {
		if addr.Version[i] != min[i] {
			return addr.Version[i] > min[i]
		}
	}
	return true
}

// CompareVersion implements a three-way lexicographic compare over
// (major, minor, patch), used for the relay planner's stable
// version-descending sort.
func CompareVersion(a, b [3]uint64) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
