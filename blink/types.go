package blink

import (
	"errors"
	"sync"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/mempool"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/transport"
)

var (
	errInvalidHashLength = errors.New("blink: txhash must be exactly 32 bytes")
	errMismatchedLists   = errors.New("blink: blink_sign field lists have mismatched lengths")
	errSlotOutOfRange    = errors.New("blink: subquorum/position out of range")
)

// SigState is the one-shot state of a single (subquorum, position) slot.
type SigState uint8

const (
	SigNone SigState = iota
	SigApproved
	SigRejected
)

// Key identifies one BlinkTx/Entry: the blink authorisation height and
// the tx's own hash.
type Key struct {
	Height uint64
	TxHash common.Hash
}

// BlinkTx is the per-(height,txhash) signature ledger (spec.md §3). Every
// field access beyond construction goes through its RWMutex: AddSignature
// takes the exclusive lock for the narrow "insert and detect transition"
// window; Approved/Rejected/Decided/SlotFilled take the shared lock.
type BlinkTx struct {
	mu sync.RWMutex

	Height uint64
	TxHash common.Hash
	Tx     mempool.Tx // zero value until this node has parsed the tx body

	states [quorum.NumBlinkQuorums][quorum.BlinkSubquorumSize]SigState
	sigs   [quorum.NumBlinkQuorums][quorum.BlinkSubquorumSize]common.Signature

	approved bool
	rejected bool
}

func NewBlinkTx(height uint64, txHash common.Hash) *BlinkTx {
	return &BlinkTx{Height: height, TxHash: txHash}
}

// Approved reports whether this tx has reached quorum approval. Once
// true, it is never false again (spec.md invariant 1).
func (b *BlinkTx) Approved() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.approved
}

// Rejected reports whether this tx has reached quorum rejection.
func (b *BlinkTx) Rejected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rejected
}

// Decided reports whether either terminal state has been reached.
func (b *BlinkTx) Decided() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.approved || b.rejected
}

// SlotFilled reports whether (subquorum, position) already holds a
// signature, used by process_blink_signatures' first pre-lock filter
// pass (spec.md §4.D.4 step 1).
func (b *BlinkTx) SlotFilled(subquorum int, position int) bool {
	if subquorum < 0 || subquorum >= quorum.NumBlinkQuorums || position < 0 || position >= quorum.BlinkSubquorumSize {
		return true // out-of-range slots are treated as already filled: always dropped
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.states[subquorum][position] != SigNone
}

// AddSignature records a prechecked, verified signature at (subquorum,
// position). It is idempotent: a slot already filled is left untouched
// and ok=false is returned for the redundant attempt. transitioned is
// true exactly once, for the single caller whose insert causes the tx to
// become approved or rejected (spec.md §4.D.4 step 3, invariant 2).
func (b *BlinkTx) AddSignature(subquorum int, position int, approve bool, sig common.Signature) (ok bool, transitioned bool, err error) {
	if subquorum < 0 || subquorum >= quorum.NumBlinkQuorums || position < 0 || position >= quorum.BlinkSubquorumSize {
		return false, false, errSlotOutOfRange
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.approved || b.rejected {
		return false, false, nil
	}
	if b.states[subquorum][position] != SigNone {
		return false, false, nil
	}

	if approve {
		b.states[subquorum][position] = SigApproved
	} else {
		b.states[subquorum][position] = SigRejected
	}
	b.sigs[subquorum][position] = sig

	wasDecided := b.approved || b.rejected
	b.recompute()
	return true, !wasDecided && (b.approved || b.rejected), nil
}

// recompute derives approved/rejected from the current slot states.
// Caller must hold the exclusive lock. approved requires
// BLINK_MIN_VOTES approvals in *every* subquorum; rejected is declared
// for a subquorum as soon as its remaining unrejected slots can no
// longer reach BLINK_MIN_VOTES approvals.
func (b *BlinkTx) recompute() {
	if b.approved || b.rejected {
		return
	}
	allApproved := true
	anyUnreachable := false
	for q := 0; q < quorum.NumBlinkQuorums; q++ {
		approvedCount, rejectedCount := 0, 0
		for _, s := range b.states[q] {
			switch s {
			case SigApproved:
				approvedCount++
			case SigRejected:
				rejectedCount++
			}
		}
		if approvedCount < quorum.BlinkMinVotes {
			allApproved = false
		}
		if quorum.BlinkSubquorumSize-rejectedCount < quorum.BlinkMinVotes {
			anyUnreachable = true
		}
	}
	if allApproved {
		b.approved = true
		return
	}
	if anyUnreachable {
		b.rejected = true
	}
}

// NewlyAddedSig describes one signature that AddSignature accepted, for
// building the outbound quorum.blink_sign relay bundle.
type NewlyAddedSig struct {
	Subquorum int
	Position  int
	Approve   bool
	Signature common.Signature
}

// Entry is the per-(height,txhash) cache record (spec.md §3 BlinkEntry):
// the BlinkTx once a submission has been seen, any signatures that
// arrived before it, and the stashed reply destination for the
// originator (if any).
type Entry struct {
	mu sync.Mutex

	BTx *BlinkTx

	PendingSigs []PendingSig

	ReplyTag    uint64
	ReplyConnID transport.ConnID
	HasReply    bool
}

// PendingSig is a signature observed before its BlinkTx body arrived.
// Identity for dedup is (Subquorum, Signature) (spec.md §3).
type PendingSig struct {
	Approve   bool
	Subquorum int
	Position  int
	Signature common.Signature
}

func newEntry() *Entry {
	return &Entry{}
}

// addPendingSig appends sig if not already present by (Subquorum, Signature).
func (e *Entry) addPendingSig(sig PendingSig) {
	for _, p := range e.PendingSigs {
		if p.Subquorum == sig.Subquorum && p.Signature == sig.Signature {
			return
		}
	}
	e.PendingSigs = append(e.PendingSigs, sig)
}
