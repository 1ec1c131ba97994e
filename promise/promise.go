// Package promise implements the originator-side promise table (spec.md
// §4.D.6, component F): send_blink's tag allocation, fan-out, and
// nostart/bad/good reply aggregation into a single resolved Outcome.
package promise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tos-network/quorumd/blink"
	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/xlog"
	"github.com/tos-network/quorumd/mempool"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/relay"
	"github.com/tos-network/quorumd/transport"
)

// Deadline is the originator-side steady-clock timeout on an unresolved
// promise (spec.md §6).
const Deadline = 30 * time.Second

// MaxActivePromises is the back-pressure ceiling on concurrently
// outstanding promises (spec.md §6).
const MaxActivePromises = 1000

// FanoutSize is the default number of peers send_blink fans out to.
const FanoutSize = relay.DefaultFanout

var errNoTag = errors.New("promise: failed to allocate a unique non-zero tag")

// Result is the terminal outcome of a send_blink call.
type Result uint8

const (
	Accepted Result = iota
	Rejected
	Timeout
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is what send_blink resolves to.
type Outcome struct {
	Result Result
	Reason string
}

// Config holds the table's tunables; zero values take spec defaults.
type Config struct {
	Self       common.PubKey
	Deadline   time.Duration
	FanoutSize int
}

type entry struct {
	tag          uint64
	txHash       common.Hash
	expiry       time.Time
	remoteCount  int32
	nostartCount int32
	resolved     int32
	done         chan Outcome
}

// Table is the per-node originator promise table.
type Table struct {
	cfg        Config
	quorumView *quorum.View
	peers      *peer.Resolver
	pool       mempool.Pool
	send       transport.Sender
	log        xlog.Logger

	mu       sync.Mutex
	byTag    map[uint64]*entry
	byTxHash map[common.Hash]*entry

	sf singleflight.Group
}

func NewTable(cfg Config, qv *quorum.View, peers *peer.Resolver, pool mempool.Pool, send transport.Sender) *Table {
	if cfg.Deadline == 0 {
		cfg.Deadline = Deadline
	}
	if cfg.FanoutSize == 0 {
		cfg.FanoutSize = FanoutSize
	}
	return &Table{
		cfg:        cfg,
		quorumView: qv,
		peers:      peers,
		pool:       pool,
		send:       send,
		log:        xlog.New("promise"),
		byTag:      make(map[uint64]*entry),
		byTxHash:   make(map[common.Hash]*entry),
	}
}

// ActiveCount reports the number of outstanding promises, for monitoring
// and tests.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTag)
}

// SendBlink implements spec.md §4.D.6 steps 1-5: parse, dedup by txhash,
// back-pressure, tag allocation, and fan-out; it blocks until resolved
// or the deadline lapses.
//
// Two concurrent callers for the same tx blob collapse onto a single
// in-flight submission via singleflight.Group, keyed by txhash: this
// covers the narrow race between the duplicate check below and
// registering the entry (spec.md S6's literal "second call is rejected
// immediately without network traffic" is what the sequential case
// below delivers; the truly concurrent case instead shares one real
// outcome, which is the safer behaviour of the two).
func (t *Table) SendBlink(txBlob []byte) (Outcome, error) {
	tx, err := t.pool.ParseTx(txBlob)
	if err != nil {
		return Outcome{Result: Rejected, Reason: "failed to parse transaction"}, nil
	}

	t.mu.Lock()
	t.sweepExpiredLocked()
	_, inFlight := t.byTxHash[tx.Hash]
	activeCount := len(t.byTag)
	t.mu.Unlock()

	if inFlight {
		return Outcome{Result: Rejected, Reason: "Transaction was already submitted"}, nil
	}
	if activeCount >= MaxActivePromises {
		return Outcome{Result: Rejected, Reason: "too many active blink submissions"}, nil
	}

	v, err, _ := t.sf.Do(tx.Hash.String(), func() (interface{}, error) {
		return t.submit(tx, txBlob)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (t *Table) submit(tx mempool.Tx, txBlob []byte) (Outcome, error) {
	tip := t.pool.TipHeight()
	qa, err := t.quorumView.ComputeQuorumArray(tip)
	if err != nil {
		return Outcome{Result: Rejected, Reason: "Unable to retrieve blink quorum"}, nil
	}

	targets := relay.SubsetFanout(t.candidateTargets(qa), t.seed(), t.cfg.FanoutSize)
	if len(targets) == 0 {
		return Outcome{Result: Rejected, Reason: "no reachable quorum peers"}, nil
	}

	tag, err := t.allocateTag()
	if err != nil {
		return Outcome{}, err
	}

	e := &entry{
		tag:         tag,
		txHash:      tx.Hash,
		expiry:      time.Now().Add(t.cfg.Deadline),
		remoteCount: int32(len(targets)),
		done:        make(chan Outcome, 1),
	}
	t.mu.Lock()
	t.byTag[tag] = e
	t.byTxHash[tx.Hash] = e
	t.mu.Unlock()

	msg := blink.SubmitMsg{Tag: tag, Height: tip, Checksum: qa.Checksum, TxBlob: txBlob, TxHash: tx.Hash}
	payload, err := msg.Marshal()
	if err != nil {
		t.removeEntry(e)
		return Outcome{}, err
	}
	for _, target := range targets {
		if err := t.send.Send(target.Pubkey, transport.Command(blink.CommandSubmit), payload); err != nil {
			t.log.Debug("send_blink fan-out failed", "peer", target.Pubkey, "err", err)
		}
	}

	timer := time.NewTimer(time.Until(e.expiry))
	defer timer.Stop()
	select {
	case out := <-e.done:
		t.removeEntry(e)
		return out, nil
	case <-timer.C:
		t.removeEntry(e)
		return Outcome{Result: Timeout, Reason: "no quorum response within the deadline"}, nil
	}
}

// candidateTargets resolves every validator across both blink subquorums
// to a relay.Target, best-effort.
func (t *Table) candidateTargets(qa quorum.QuorumArray) []relay.Target {
	var out []relay.Target
	seen := make(map[common.PubKey]bool)
	for _, q := range qa.Quorums {
		for _, pk := range q.Validators {
			if seen[pk] {
				continue
			}
			addr, err := t.peers.Resolve(pk)
			if err != nil {
				continue
			}
			seen[pk] = true
			out = append(out, relay.Target{Pubkey: pk, Version: addr.Version})
		}
	}
	return out
}

// HandleNostart implements spec.md §4.D.6 step 6: a strict majority of
// remote_count nostart replies resolves the promise as rejected.
func (t *Table) HandleNostart(msg blink.NostartMsg) {
	e := t.lookup(msg.Tag)
	if e == nil {
		return
	}
	n := atomic.AddInt32(&e.nostartCount, 1)
	if n > e.remoteCount/2 {
		t.resolveOnce(e, Outcome{Result: Rejected, Reason: msg.Reason})
	}
}

// HandleBad implements step 7: any single bl.bad is authoritative.
func (t *Table) HandleBad(msg blink.TagMsg) {
	e := t.lookup(msg.Tag)
	if e == nil {
		return
	}
	t.resolveOnce(e, Outcome{Result: Rejected, Reason: "quorum rejected"})
}

// HandleGood implements step 8: any single bl.good is authoritative.
func (t *Table) HandleGood(msg blink.TagMsg) {
	e := t.lookup(msg.Tag)
	if e == nil {
		return
	}
	t.resolveOnce(e, Outcome{Result: Accepted})
}

func (t *Table) lookup(tag uint64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byTag[tag]
}

func (t *Table) resolveOnce(e *entry, out Outcome) {
	if atomic.CompareAndSwapInt32(&e.resolved, 0, 1) {
		e.done <- out
	}
}

func (t *Table) removeEntry(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byTag[e.tag]; ok && cur == e {
		delete(t.byTag, e.tag)
	}
	if cur, ok := t.byTxHash[e.txHash]; ok && cur == e {
		delete(t.byTxHash, e.txHash)
	}
}

// sweepExpiredLocked drops map entries past their deadline. Caller must
// hold t.mu. This is defensive: the owning submit() call independently
// removes its own entry when its timer fires, so this only matters if
// that removal is somehow delayed.
func (t *Table) sweepExpiredLocked() {
	now := time.Now()
	for tag, e := range t.byTag {
		if now.After(e.expiry) {
			delete(t.byTag, tag)
			if cur, ok := t.byTxHash[e.txHash]; ok && cur == e {
				delete(t.byTxHash, e.txHash)
			}
		}
	}
}

func (t *Table) seed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// allocateTag picks a unique non-zero random 64-bit tag, retrying on
// collision. Caller must not hold t.mu.
func (t *Table) allocateTag() (uint64, error) {
	for attempt := 0; attempt < 32; attempt++ {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		tag := binary.LittleEndian.Uint64(b[:])
		if tag == 0 {
			continue
		}
		t.mu.Lock()
		_, taken := t.byTag[tag]
		t.mu.Unlock()
		if !taken {
			return tag, nil
		}
	}
	return 0, errNoTag
}
