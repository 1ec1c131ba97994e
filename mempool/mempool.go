// Package mempool defines the boundary this module consumes from the
// blockchain storage engine and transaction mempool (spec.md §1): tip
// height, tx parse/verify, blink-flagged mempool insertion, and block
// template assembly. Production nodes wire the real chain state; tests
// use the in-memory Memory pool below.
package mempool

import (
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/tos-network/quorumd/common"
)

// ErrTxInvalid is returned when a tx blob fails to parse or fails the
// mempool's own acceptance rules — a TxInvalid-kind outcome (spec.md §7),
// not a transport or internal failure.
var ErrTxInvalid = errors.New("mempool: transaction invalid")

// Tx is a parsed transaction as far as this module needs to know it.
type Tx struct {
	Hash common.Hash
	Raw  []byte
}

// AddResult is the outcome of attempting to add a blink-flagged tx to the
// mempool.
type AddResult uint8

const (
	AddAccepted AddResult = iota
	AddRejected
)

// BlockTemplate is an opaque, assembled next-block proposal blob, as used
// by Pulse's block_template phase.
type BlockTemplate struct {
	Height uint64
	Blob   []byte
}

// Pool is the read/write view this module needs onto the mempool and
// chain tip.
type Pool interface {
	TipHeight() uint64

	// ParseTx parses and structurally validates a tx blob, returning
	// ErrTxInvalid (or a wrapping error) if it does not parse.
	ParseTx(blob []byte) (Tx, error)

	// AddNewBlink attempts to add tx to the mempool with the blink flag
	// set. AddRejected is a normal, successful quorum outcome (the
	// quorum signs "rejected"), not an error.
	AddNewBlink(tx Tx) (AddResult, error)

	// RegisterBlink marks txhash as an approved, relayable blink once
	// the quorum has reached consensus, under the mempool's own
	// exclusive lock.
	RegisterBlink(txhash common.Hash) error

	// BlockTemplate assembles the next block template for height.
	BlockTemplate(height uint64) (BlockTemplate, error)
}

// Memory is a trivial in-memory Pool for tests.
type Memory struct {
	mu       sync.Mutex
	tip      uint64
	accepted map[common.Hash]bool
	rejected map[common.Hash]bool
	blinks   map[common.Hash]bool
	// Reject, when set, makes ParseTx/AddNewBlink fail for the given
	// hash — lets tests exercise the TxInvalid path deterministically.
	Reject map[common.Hash]bool
}

func NewMemory(tip uint64) *Memory {
	return &Memory{
		tip:      tip,
		accepted: make(map[common.Hash]bool),
		rejected: make(map[common.Hash]bool),
		blinks:   make(map[common.Hash]bool),
		Reject:   make(map[common.Hash]bool),
	}
}

func (m *Memory) TipHeight() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip
}

func (m *Memory) SetTip(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tip = h
}

// ParseTx treats blob as its own raw content and derives its hash as
// sha256(blob), truncated to common.Hash — sufficient for a test double
// standing in for a real transaction codec.
func (m *Memory) ParseTx(blob []byte) (Tx, error) {
	if len(blob) == 0 {
		return Tx{}, ErrTxInvalid
	}
	sum := sha256.Sum256(blob)
	hash := common.BytesToHash(sum[:])
	if m.Reject[hash] {
		return Tx{}, ErrTxInvalid
	}
	return Tx{Hash: hash, Raw: blob}, nil
}

func (m *Memory) AddNewBlink(tx Tx) (AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Reject[tx.Hash] {
		m.rejected[tx.Hash] = true
		return AddRejected, nil
	}
	m.accepted[tx.Hash] = true
	return AddAccepted, nil
}

func (m *Memory) RegisterBlink(txhash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blinks[txhash] = true
	return nil
}

func (m *Memory) IsRegisteredBlink(txhash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blinks[txhash]
}

func (m *Memory) BlockTemplate(height uint64) (BlockTemplate, error) {
	return BlockTemplate{Height: height, Blob: []byte("template")}, nil
}
