// Package snregistry defines the boundary this module consumes from the
// service-node registry: an external collaborator (spec.md §1) that tracks
// uptime proofs and deterministic quorum membership. Production nodes wire
// a real chain-backed implementation; tests and local wiring use the
// in-memory Static registry below.
package snregistry

import "github.com/tos-network/quorumd/common"

// QuorumType selects which deterministic quorum-selection function to
// apply at a given height.
type QuorumType uint8

const (
	QuorumTypeBlink QuorumType = iota
	QuorumTypePulse
	QuorumTypeObligation
)

// UptimeProof is the subset of a service node's latest uptime-proof
// contents this module needs to resolve it to a transport peer.
type UptimeProof struct {
	Active        bool
	X25519Pubkey  common.PubKey
	PublicIP      string // dotted-quad, as published in the proof
	QuorumnetPort uint16
	Version       [3]uint64 // software version, compared lexicographically
}

// Registry is the read-only view this module needs onto the service-node
// list: active-set membership, uptime-proof contents, and deterministic
// quorum computation. It is never mutated by this module.
type Registry interface {
	// Quorum returns the deterministic quorum of the given type at
	// height, or (nil, nil, false) if height is too early in the chain to
	// have one (NEVER is an error per spec.md §4.A, not a silent
	// nil-quorum — callers must distinguish "no quorum yet" from "quorum
	// retrieval failed").
	Quorum(qtype QuorumType, height uint64) (validators []common.PubKey, workers []common.PubKey, ok bool)

	// UptimeProof returns the latest uptime-proof tuple for pubkey, or
	// (zero, false) if this node has never seen one.
	UptimeProof(pubkey common.PubKey) (UptimeProof, bool)

	// TipHeight returns the current chain tip height.
	TipHeight() uint64
}

// Static is a fixed, in-memory Registry used for tests and local wiring:
// quorum membership and uptime proofs are set directly rather than derived
// from chain state.
type Static struct {
	Tip     uint64
	Quorums map[QuorumType]map[uint64]StaticQuorum
	Proofs  map[common.PubKey]UptimeProof
}

// StaticQuorum is one quorum membership snapshot.
type StaticQuorum struct {
	Validators []common.PubKey
	Workers    []common.PubKey
}

func NewStatic() *Static {
	return &Static{
		Quorums: make(map[QuorumType]map[uint64]StaticQuorum),
		Proofs:  make(map[common.PubKey]UptimeProof),
	}
}

func (s *Static) SetQuorum(qtype QuorumType, height uint64, q StaticQuorum) {
	if s.Quorums[qtype] == nil {
		s.Quorums[qtype] = make(map[uint64]StaticQuorum)
	}
	s.Quorums[qtype][height] = q
}

func (s *Static) Quorum(qtype QuorumType, height uint64) ([]common.PubKey, []common.PubKey, bool) {
	byHeight, ok := s.Quorums[qtype]
	if !ok {
		return nil, nil, false
	}
	q, ok := byHeight[height]
	if !ok {
		return nil, nil, false
	}
	return q.Validators, q.Workers, true
}

func (s *Static) UptimeProof(pubkey common.PubKey) (UptimeProof, bool) {
	p, ok := s.Proofs[pubkey]
	return p, ok
}

func (s *Static) TipHeight() uint64 { return s.Tip }
