// Package blink implements the blink coordinator (spec.md §4.D,
// component D): submission intake, quorum checksum verification, tx
// pre-distribution, local verification and signing, at-most-once
// signature aggregation, and the originator reply. The per-BlinkTx
// reader/writer lock and exclusive "insert and detect transition" window
// follow the teacher's consensus/bft VotePool pattern (mutex-guarded
// map-of-slots with one-shot state, adapted to Blink's two-subquorum
// approve/reject ledger).
package blink

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/snkey"
	"github.com/tos-network/quorumd/internal/xlog"
	"github.com/tos-network/quorumd/mempool"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/relay"
	"github.com/tos-network/quorumd/transport"
)

// heightTolerance is the ± window around tip a submission's height must
// fall within (spec.md §6).
const heightTolerance = 2

// wireHeightReason is the single nostart reason string spec.md §6
// specifies for any out-of-tolerance submission height. ErrHeightTooLow
// and ErrHeightTooHigh distinguish direction internally (logging,
// metrics) without changing what goes out over the wire.
const wireHeightReason = "Invalid blink authorization height"

var (
	ErrHeightTooLow  = errors.New("blink: submission height is too low")
	ErrHeightTooHigh = errors.New("blink: submission height is too high")
)

// heightError classifies an out-of-tolerance submission height for
// logging: the original implementation logs "too low" and "too high"
// distinctly even though both map to the same wire nostart reason.
func heightError(height, tip uint64) error {
	if height < tip {
		return ErrHeightTooLow
	}
	return ErrHeightTooHigh
}

// Config holds a coordinator's fixed, node-level parameters.
type Config struct {
	Self            common.PubKey
	Signer          snkey.KeyPair
	HFVersion       uint64
	BlinkEnabledHF  uint64
	RetentionBlocks uint64 // K: entries with height < tip-K are evicted
}

// Coordinator is the per-node blink runtime: the submission cache plus
// everything needed to verify, sign, relay, and reply.
type Coordinator struct {
	cfg Config

	quorumView *quorum.View
	peers      *peer.Resolver
	pool       mempool.Pool
	send       transport.Sender
	log        xlog.Logger

	mu      sync.Mutex
	entries map[Key]*Entry
}

func NewCoordinator(cfg Config, qv *quorum.View, peers *peer.Resolver, pool mempool.Pool, send transport.Sender) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		quorumView: qv,
		peers:      peers,
		pool:       pool,
		send:       send,
		log:        xlog.New("blink"),
		entries:    make(map[Key]*Entry),
	}
}

func (c *Coordinator) getOrCreateEntry(key Key) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = newEntry()
		c.entries[key] = e
	}
	return e
}

// Prune evicts entries whose height has fallen below tip - RetentionBlocks
// (spec.md §9 open question 1).
func (c *Coordinator) Prune(tip uint64) {
	if tip < c.cfg.RetentionBlocks {
		return
	}
	floor := tip - c.cfg.RetentionBlocks
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Height < floor {
			delete(c.entries, k)
		}
	}
}

// EntryCount reports the number of cached (height,txhash) entries, for
// monitoring and tests.
func (c *Coordinator) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HandleSubmit processes an inbound blink.submit (spec.md §4.D.1-3).
func (c *Coordinator) HandleSubmit(env transport.Envelope, msg SubmitMsg) error {
	tip := c.pool.TipHeight()

	if c.cfg.HFVersion < c.cfg.BlinkEnabledHF {
		c.nostart(env, msg.Tag, "blink is not enabled at this hard-fork version")
		return nil
	}
	if !withinTolerance(msg.Height, tip, heightTolerance) {
		err := heightError(msg.Height, tip)
		c.log.Debug("blink submit rejected", "err", err, "height", msg.Height, "tip", tip)
		c.nostart(env, msg.Tag, wireHeightReason)
		return nil
	}
	// txhash length is validated by UnmarshalSubmit before this is reached.

	key := Key{Height: msg.Height, TxHash: msg.TxHash}
	entry := c.getOrCreateEntry(key)

	entry.mu.Lock()
	if entry.BTx != nil {
		btx := entry.BTx
		switch {
		case btx.Approved():
			entry.mu.Unlock()
			c.sendReply(env.ConnID, CommandGood, TagMsg{Tag: msg.Tag})
			return nil
		case btx.Rejected():
			entry.mu.Unlock()
			c.sendReply(env.ConnID, CommandBad, TagMsg{Tag: msg.Tag})
			return nil
		default:
			// Already being processed by this node: a forwarded duplicate
			// is a no-op beyond refreshing the reply stash (spec.md §8
			// idempotence property: "the second arrival is a no-op").
			c.stashReply(entry, msg.Tag, env.ConnID)
			entry.mu.Unlock()
			return nil
		}
	}
	c.stashReply(entry, msg.Tag, env.ConnID)
	entry.mu.Unlock()

	qa, err := c.quorumView.ComputeQuorumArray(msg.Height)
	if err != nil {
		c.nostart(env, msg.Tag, "Unable to retrieve blink quorum")
		return nil
	}
	if qa.Checksum != msg.Checksum {
		c.nostart(env, msg.Tag, checksumMismatchReason(msg.Checksum, qa.Checksum))
		return nil
	}
	if !qa.InAnySubquorum(c.cfg.Self) {
		c.nostart(env, msg.Tag, "not a member of either blink subquorum")
		return nil
	}

	plan := c.planMatrix(qa, &env.Caller)
	if len(plan.Strong) == 0 {
		c.nostart(env, msg.Tag, "no route to any quorum member")
		return nil
	}

	// 4.D.2 Pre-distribution: relay before deep tx verification, so every
	// quorum member can start verifying from its own view in parallel.
	c.relaySubmission(plan, msg)

	tx, err := c.pool.ParseTx(msg.TxBlob)
	if err != nil || tx.Hash != msg.TxHash {
		c.nostart(env, msg.Tag, "failed to parse transaction")
		return nil
	}

	btx := NewBlinkTx(msg.Height, msg.TxHash)
	btx.Tx = tx
	entry.mu.Lock()
	entry.BTx = btx
	pending := entry.PendingSigs
	entry.PendingSigs = nil
	entry.mu.Unlock()

	c.decideLocally(qa, entry, btx)

	if len(pending) > 0 {
		c.processSignatures(qa, entry, btx, common.PubKey{}, pending)
	}
	return nil
}

// HandleSign processes an inbound quorum.blink_sign bundle (spec.md
// §4.D.4-5): signatures for a tx this node has already seen are
// verified and merged; signatures arriving before the tx body are
// stashed as pending.
func (c *Coordinator) HandleSign(env transport.Envelope, msg SignMsg) error {
	key := Key{Height: msg.Height, TxHash: msg.TxHash}
	entry := c.getOrCreateEntry(key)

	entry.mu.Lock()
	btx := entry.BTx
	if btx == nil {
		for i := range msg.Indices {
			entry.addPendingSig(PendingSig{
				Approve:   msg.Results[i],
				Subquorum: int(msg.Indices[i]),
				Position:  msg.Positions[i],
				Signature: sigFromBytes(msg.Sigs[i]),
			})
		}
		entry.mu.Unlock()
		return nil
	}
	entry.mu.Unlock()

	qa, err := c.quorumView.ComputeQuorumArray(msg.Height)
	if err != nil {
		return nil
	}

	candidates := make([]PendingSig, 0, len(msg.Indices))
	for i := range msg.Indices {
		candidates = append(candidates, PendingSig{
			Approve:   msg.Results[i],
			Subquorum: int(msg.Indices[i]),
			Position:  msg.Positions[i],
			Signature: sigFromBytes(msg.Sigs[i]),
		})
	}
	c.processSignatures(qa, entry, btx, env.Caller, candidates)
	return nil
}

// decideLocally runs the mempool verifier, signs the resulting
// approve/reject hash for every subquorum this node belongs to, and
// feeds the result through the same path as remotely-received
// signatures (spec.md §4.D.3).
func (c *Coordinator) decideLocally(qa quorum.QuorumArray, entry *Entry, btx *BlinkTx) {
	result, err := c.pool.AddNewBlink(btx.Tx)
	approve := err == nil && result == mempool.AddAccepted

	var msgHash []byte
	if approve {
		msgHash = approveHash(btx.TxHash)
	} else {
		msgHash = rejectHash(btx.TxHash)
	}
	sig := c.cfg.Signer.Sign(msgHash)

	pos := qa.Positions(c.cfg.Self)
	var candidates []PendingSig
	for q := 0; q < quorum.NumBlinkQuorums; q++ {
		if pos[q] < 0 {
			continue
		}
		candidates = append(candidates, PendingSig{Approve: approve, Subquorum: q, Position: pos[q], Signature: sig})
	}
	if len(candidates) == 0 {
		return
	}
	c.processSignatures(qa, entry, btx, common.PubKey{}, candidates)
}

// processSignatures implements process_blink_signatures (spec.md §4.D.4):
// drop already-filled/out-of-range slots, verify survivors unlocked,
// then insert under the exclusive lock and detect the one transition.
func (c *Coordinator) processSignatures(qa quorum.QuorumArray, entry *Entry, btx *BlinkTx, receivedFrom common.PubKey, candidates []PendingSig) {
	survivors := make([]PendingSig, 0, len(candidates))
	for _, cand := range candidates {
		if btx.SlotFilled(cand.Subquorum, cand.Position) {
			continue
		}
		survivors = append(survivors, cand)
	}

	verified := make([]PendingSig, 0, len(survivors))
	for _, cand := range survivors {
		if cand.Subquorum < 0 || cand.Subquorum >= quorum.NumBlinkQuorums {
			continue
		}
		validators := qa.Quorums[cand.Subquorum].Validators
		if cand.Position < 0 || cand.Position >= len(validators) {
			continue
		}
		pk := validators[cand.Position]
		var msgHash []byte
		if cand.Approve {
			msgHash = approveHash(btx.TxHash)
		} else {
			msgHash = rejectHash(btx.TxHash)
		}
		if !snkey.Verify(pk, msgHash, cand.Signature) {
			continue
		}
		verified = append(verified, cand)
	}

	var added []NewlyAddedSig
	transitionedNow := false
	for _, cand := range verified {
		ok, transitioned, err := btx.AddSignature(cand.Subquorum, cand.Position, cand.Approve, cand.Signature)
		if err != nil || !ok {
			continue
		}
		added = append(added, NewlyAddedSig{Subquorum: cand.Subquorum, Position: cand.Position, Approve: cand.Approve, Signature: cand.Signature})
		if transitioned {
			transitionedNow = true
		}
	}

	if transitionedNow && btx.Approved() {
		if err := c.pool.RegisterBlink(btx.TxHash); err != nil {
			c.log.Error("register blink in mempool", "txhash", btx.TxHash, "err", err)
		}
	}

	if len(added) > 0 {
		c.relaySignatures(qa, btx, receivedFrom, added)
	}

	c.maybeReply(entry, btx)
}

// maybeReply sends the stashed originator reply exactly once, as soon as
// btx reaches a terminal state. It is safe to call repeatedly: once sent,
// HasReply is cleared so later calls are no-ops.
func (c *Coordinator) maybeReply(entry *Entry, btx *BlinkTx) {
	entry.mu.Lock()
	if !entry.HasReply {
		entry.mu.Unlock()
		return
	}
	tag, connID := entry.ReplyTag, entry.ReplyConnID

	switch {
	case btx.Approved():
		entry.HasReply = false
		entry.mu.Unlock()
		c.sendReply(connID, CommandGood, TagMsg{Tag: tag})
	case btx.Rejected():
		entry.HasReply = false
		entry.mu.Unlock()
		c.sendReply(connID, CommandBad, TagMsg{Tag: tag})
	default:
		entry.mu.Unlock()
	}
}

func (c *Coordinator) stashReply(e *Entry, tag uint64, connID transport.ConnID) {
	if tag == 0 {
		return
	}
	e.ReplyTag, e.ReplyConnID, e.HasReply = tag, connID, true
}

func (c *Coordinator) nostart(env transport.Envelope, tag uint64, reason string) {
	c.log.Info("blink nostart", "reason", reason, "tag", tag)
	if tag == 0 {
		return
	}
	payload, err := NostartMsg{Tag: tag, Reason: reason}.Marshal()
	if err != nil {
		c.log.Error("marshal nostart", "err", err)
		return
	}
	if err := c.send.Reply(env.ConnID, transport.Command(CommandNostart), payload, true); err != nil {
		c.log.Debug("nostart send failed", "err", err)
	}
}

func (c *Coordinator) sendReply(connID transport.ConnID, cmd string, msg TagMsg) {
	payload, err := msg.Marshal()
	if err != nil {
		c.log.Error("marshal reply", "cmd", cmd, "err", err)
		return
	}
	if err := c.send.Reply(connID, transport.Command(cmd), payload, true); err != nil {
		c.log.Debug("reply send failed", "cmd", cmd, "err", err)
	}
}

// matrixPlan is the resolved strong/opportunistic peer split for one
// relay decision.
type matrixPlan struct {
	Strong        []relay.Target
	Opportunistic []relay.Target
}

// planMatrix computes the matrix fan-out (spec.md §4.C) for this node's
// positions in qa, excluding exclude (typically the peer a message was
// just received from). A peer reachable via both a strong and an
// opportunistic edge counts only once, as strong.
func (c *Coordinator) planMatrix(qa quorum.QuorumArray, exclude *common.PubKey) matrixPlan {
	var plan matrixPlan
	strongSeen := make(map[common.PubKey]bool)
	oppSeen := make(map[common.PubKey]bool)

	resolve := func(pk common.PubKey) (relay.Target, bool) {
		if exclude != nil && pk == *exclude {
			return relay.Target{}, false
		}
		addr, err := c.peers.Resolve(pk)
		if err != nil {
			return relay.Target{}, false
		}
		return relay.Target{Pubkey: pk, Version: addr.Version}, true
	}
	addStrong := func(pk common.PubKey) {
		if strongSeen[pk] {
			return
		}
		t, ok := resolve(pk)
		if !ok {
			return
		}
		strongSeen[pk] = true
		plan.Strong = append(plan.Strong, t)
	}
	addOpportunistic := func(pk common.PubKey) {
		if strongSeen[pk] || oppSeen[pk] {
			return
		}
		t, ok := resolve(pk)
		if !ok {
			return
		}
		oppSeen[pk] = true
		plan.Opportunistic = append(plan.Opportunistic, t)
	}

	pos := qa.Positions(c.cfg.Self)
	sizeQ := len(qa.Quorums[quorum.SubquorumBase].Validators)
	sizeQPrime := len(qa.Quorums[quorum.SubquorumFuture].Validators)

	if p := pos[quorum.SubquorumBase]; p >= 0 {
		for _, j := range relay.QuorumOutgoingConns(p, sizeQ) {
			addStrong(qa.Quorums[quorum.SubquorumBase].Validators[j])
		}
		for _, j := range relay.QuorumIncomingConns(p, sizeQ) {
			addOpportunistic(qa.Quorums[quorum.SubquorumBase].Validators[j])
		}
	}
	if p := pos[quorum.SubquorumFuture]; p >= 0 {
		for _, j := range relay.QuorumOutgoingConns(p, sizeQPrime) {
			addStrong(qa.Quorums[quorum.SubquorumFuture].Validators[j])
		}
		for _, j := range relay.QuorumIncomingConns(p, sizeQPrime) {
			addOpportunistic(qa.Quorums[quorum.SubquorumFuture].Validators[j])
		}
	}

	// Inter-quorum strong edges, skipped entirely if this node sits in
	// both subquorums (spec.md §4.C).
	inBoth := pos[quorum.SubquorumBase] >= 0 && pos[quorum.SubquorumFuture] >= 0
	if !inBoth {
		if p := pos[quorum.SubquorumBase]; p >= 0 {
			for _, j := range relay.InterQuorumFromBase(p, sizeQ, sizeQPrime) {
				addStrong(qa.Quorums[quorum.SubquorumFuture].Validators[j])
			}
		}
		if p := pos[quorum.SubquorumFuture]; p >= 0 {
			for _, j := range relay.InterQuorumFromFuture(p, sizeQ, sizeQPrime) {
				addStrong(qa.Quorums[quorum.SubquorumBase].Validators[j])
			}
		}
	}
	return plan
}

func (c *Coordinator) relaySubmission(plan matrixPlan, msg SubmitMsg) {
	fwd := msg
	fwd.Tag = 0 // an internal forward carries no originator tag
	payload, err := fwd.Marshal()
	if err != nil {
		c.log.Error("marshal blink.submit for relay", "err", err)
		return
	}
	c.sendPlan(plan, transport.Command(CommandSubmit), payload)
}

func (c *Coordinator) relaySignatures(qa quorum.QuorumArray, btx *BlinkTx, excludeFrom common.PubKey, added []NewlyAddedSig) {
	msg := SignMsg{Height: btx.Height, TxHash: btx.TxHash, Checksum: qa.Checksum}
	for _, a := range added {
		msg.Indices = append(msg.Indices, uint64(a.Subquorum))
		msg.Positions = append(msg.Positions, a.Position)
		msg.Results = append(msg.Results, a.Approve)
		sigCopy := make([]byte, common.SignatureLength)
		copy(sigCopy, a.Signature[:])
		msg.Sigs = append(msg.Sigs, sigCopy)
	}
	payload, err := msg.Marshal()
	if err != nil {
		c.log.Error("marshal blink_sign", "err", err)
		return
	}
	var exclude *common.PubKey
	if excludeFrom != (common.PubKey{}) {
		exclude = &excludeFrom
	}
	plan := c.planMatrix(qa, exclude)
	c.sendPlan(plan, transport.Command(CommandSign), payload)
}

func (c *Coordinator) sendPlan(plan matrixPlan, cmd transport.Command, payload []byte) {
	for _, t := range plan.Strong {
		if err := c.send.Send(t.Pubkey, cmd, payload); err != nil {
			c.log.Debug("strong relay failed", "peer", t.Pubkey, "err", err)
		}
	}
	for _, t := range plan.Opportunistic {
		addr, err := c.peers.Resolve(t.Pubkey)
		if err != nil {
			continue
		}
		_ = c.send.SendHinted(t.Pubkey, cmd, payload, addr.IP, true)
	}
}

func withinTolerance(height, tip uint64, tolerance uint64) bool {
	if height > tip {
		return height-tip <= tolerance
	}
	return tip-height <= tolerance
}

func checksumMismatchReason(got, want uint64) string {
	return fmt.Sprintf("wrong quorum checksum: got %d want %d", got, want)
}

func sigFromBytes(b []byte) common.Signature {
	sig, err := common.BytesToSignature(b)
	if err != nil {
		return common.Signature{}
	}
	return sig
}

func approveHash(txHash common.Hash) []byte { return domainHash("blink-approve", txHash) }
func rejectHash(txHash common.Hash) []byte  { return domainHash("blink-reject", txHash) }

func domainHash(domain string, txHash common.Hash) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(txHash.Bytes())
	return h.Sum(nil)
}
