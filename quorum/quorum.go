// Package quorum implements the pure, read-only quorum registry view
// (spec.md §4.A, component A): deterministic subquorum selection at a
// given height, the blink quorum-height formula, and the quorum checksum
// that lets two peers cheaply confirm they agree on quorum membership.
package quorum

import (
	"errors"
	"fmt"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/snregistry"
)

// Constants from spec.md §6.
const (
	BlinkSubquorumSize = 10
	BlinkMinVotes      = 7
	NumBlinkQuorums    = 2

	// BlinkQuorumInterval and BlinkQuorumLag parameterise the
	// quorum_height formula from tx_blink.h: quorum_height(h, q) =
	// h - (h mod INTERVAL) - LAG + q*INTERVAL.
	BlinkQuorumInterval = 10
	BlinkQuorumLag      = 15
)

// ErrNoQuorum is returned when NEVER — chain state does not yet support a
// quorum at the requested height/type. Per spec.md §4.A this is an error
// condition to surface, not a value to silently default.
var ErrNoQuorum = errors.New("quorum: unable to retrieve quorum at this height")

// Quorum is an ordered validator (and, for pulse, worker) membership
// snapshot, deterministic from on-chain entropy at the height it was
// computed for.
type Quorum struct {
	Validators []common.PubKey
	Workers    []common.PubKey
}

// Position returns the index of pubkey within q.Validators, or -1.
func (q Quorum) Position(pubkey common.PubKey) int {
	for i, v := range q.Validators {
		if v == pubkey {
			return i
		}
	}
	return -1
}

// View is a read-only handle onto the service-node registry, scoped to
// quorum queries.
type View struct {
	reg snregistry.Registry
}

func NewView(reg snregistry.Registry) *View {
	return &View{reg: reg}
}

// Quorum returns the deterministic quorum of the given type at height.
func (v *View) Quorum(qtype snregistry.QuorumType, height uint64) (Quorum, error) {
	validators, workers, ok := v.reg.Quorum(qtype, height)
	if !ok {
		return Quorum{}, fmt.Errorf("%w (type=%d height=%d)", ErrNoQuorum, qtype, height)
	}
	return Quorum{Validators: validators, Workers: workers}, nil
}

// BlinkSubquorum identifies one of the two blink subquorums: base (Q) or
// future (Q').
type BlinkSubquorum uint8

const (
	SubquorumBase BlinkSubquorum = iota
	SubquorumFuture
)

// BlinkQuorumHeight implements tx_blink.h's quorum_height: the height at
// which the given blink subquorum was selected, given the blink
// authorization height h. Returns (0, false) if the computation would
// underflow — too early in the chain to have a blink quorum yet.
func BlinkQuorumHeight(h uint64, q BlinkSubquorum) (uint64, bool) {
	base := h - (h % BlinkQuorumInterval) - BlinkQuorumLag + uint64(q)*BlinkQuorumInterval
	if base > h {
		// Unsigned underflow wrapped around past h: too early in chain.
		return 0, false
	}
	return base, true
}

// QuorumArray is the fixed pair of blink subquorums (Q at
// BlinkQuorumHeight(height, SubquorumBase), Q' one BlinkQuorumInterval
// later) that must independently satisfy BlinkMinVotes <=
// |validators| <= BlinkSubquorumSize.
type QuorumArray struct {
	Height    uint64
	Quorums   [NumBlinkQuorums]Quorum
	Checksum  uint64
	subHeight [NumBlinkQuorums]uint64
}

// ComputeQuorumArray resolves both blink subquorums for height and
// computes the quorum checksum used by the wire protocol's "q" field.
func (v *View) ComputeQuorumArray(height uint64) (QuorumArray, error) {
	var qa QuorumArray
	qa.Height = height
	for qi := BlinkSubquorum(0); int(qi) < NumBlinkQuorums; qi++ {
		qHeight, ok := BlinkQuorumHeight(height, qi)
		if !ok {
			return QuorumArray{}, fmt.Errorf("%w: too early in chain for blink subquorum %d", ErrNoQuorum, qi)
		}
		q, err := v.Quorum(snregistry.QuorumTypeBlink, qHeight)
		if err != nil {
			return QuorumArray{}, err
		}
		if len(q.Validators) < BlinkMinVotes || len(q.Validators) > BlinkSubquorumSize {
			return QuorumArray{}, fmt.Errorf("%w: subquorum %d has %d validators, need %d..%d",
				ErrNoQuorum, qi, len(q.Validators), BlinkMinVotes, BlinkSubquorumSize)
		}
		qa.Quorums[qi] = q
		qa.subHeight[qi] = qHeight
		qa.Checksum += checksum(q.Validators, int(qi)*BlinkSubquorumSize)
	}
	return qa, nil
}

// SubHeight returns the resolved height for subquorum qi.
func (qa QuorumArray) SubHeight(qi BlinkSubquorum) uint64 { return qa.subHeight[qi] }

// Positions returns this node's position within each subquorum, or -1 if
// it does not belong to that subquorum.
func (qa QuorumArray) Positions(self common.PubKey) [NumBlinkQuorums]int {
	var pos [NumBlinkQuorums]int
	for i := range qa.Quorums {
		pos[i] = qa.Quorums[i].Position(self)
	}
	return pos
}

// InAnySubquorum reports whether self belongs to at least one subquorum.
func (qa QuorumArray) InAnySubquorum(self common.PubKey) bool {
	pos := qa.Positions(self)
	for _, p := range pos {
		if p >= 0 {
			return true
		}
	}
	return false
}

// checksum is the deterministic aggregate over (validators, positionOffset)
// that two peers use as a cheap self-check that they share the same
// quorum-membership view. It must be bit-exact across independent,
// honest computations at the same tip (spec.md invariant 3).
func checksum(validators []common.PubKey, positionOffset int) uint64 {
	var sum uint64
	for i, pk := range validators {
		position := uint64(positionOffset + i)
		// FNV-1a over (position || pubkey) folded into the running sum;
		// order-sensitive since position is mixed in per validator.
		h := fnv1aSeed
		h = fnv1aMix(h, byte(position))
		h = fnv1aMix(h, byte(position>>8))
		for _, b := range pk {
			h = fnv1aMix(h, b)
		}
		sum += h
	}
	return sum
}

const (
	fnv1aSeed  uint64 = 14695981039346656037
	fnv1aPrime uint64 = 1099511628211
)

func fnv1aMix(h uint64, b byte) uint64 {
	h ^= uint64(b)
	h *= fnv1aPrime
	return h
}
