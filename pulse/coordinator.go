// Package pulse implements the pulse coordinator (spec.md §4.E,
// component E): inbound validation and relay for the five pulse message
// variants, handing each off to a single-threaded handler
// that owns the block-production state machine. The actor-queue +
// dedicated-goroutine shape is the idiomatic single-threaded-worker
// pattern the teacher uses for its own background loops (e.g. the
// abort-channel goroutines in consensus/dpos/dpos.go), adapted here to
// an unbounded inbound queue per spec.md §9's design note.
package pulse

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/xlog"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/relay"
	"github.com/tos-network/quorumd/snregistry"
	"github.com/tos-network/quorumd/transport"
)

// Phase names one of the five pulse message variants.
type Phase uint8

const (
	PhaseHandshake Phase = iota
	PhaseBitset
	PhaseBlockTemplate
	PhaseRandomValueHash
	PhaseRandomValue
)

// Variant is the typed union handed to Handler, in place of runtime type
// dispatch (spec.md §9: "variant-style dispatch is explicit and does not
// need runtime type information beyond the tag").
type Variant struct {
	Phase     Phase
	Height    uint64
	From      common.PubKey
	Handshake *HandshakeMsg
	Bitset    *BitsetMsg
	Template  *BlockTemplateMsg
	RVHash    *RandomValueHashMsg
	RVReveal  *RandomValueMsg
}

// Handler is the single-threaded block-production state machine that
// owns phase transitions and timing. The coordinator delivers validated
// messages in arrival order; it keeps no record of messages already
// seen, so a message received twice is handed to Handler twice and
// relayed twice.
type Handler func(Variant)

// Config holds a coordinator's fixed, node-level parameters.
type Config struct {
	Self common.PubKey
}

// Coordinator is the per-node pulse runtime: round resolution, inbound
// validation, relay planning, and the actor queue feeding Handler.
type Coordinator struct {
	cfg   Config
	qv    *quorum.View
	peers *peer.Resolver
	send  transport.Sender
	log   xlog.Logger

	queue   *actorQueue
	handler Handler

	mu       sync.RWMutex
	height   uint64
	hasRound bool
	q        quorum.Quorum
}

func NewCoordinator(cfg Config, qv *quorum.View, peers *peer.Resolver, send transport.Sender, handler Handler) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		qv:      qv,
		peers:   peers,
		send:    send,
		log:     xlog.New("pulse"),
		queue:   newActorQueue(),
		handler: handler,
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	for {
		v, ok := c.queue.pop()
		if !ok {
			return
		}
		c.handler(v)
	}
}

// Stop halts the actor goroutine once its queue drains. Node shutdown
// does not require calling this (the process exit reclaims the
// goroutine); it exists for clean teardown in tests.
func (c *Coordinator) Stop() {
	c.queue.close()
}

// SetRound resolves this node's pulse quorum at height and makes it the
// active round for inbound validation and relay planning. NEVER is an
// error (spec.md §4.A): too-early-in-chain is surfaced, not silently
// defaulted to an empty quorum.
func (c *Coordinator) SetRound(height uint64) error {
	q, err := c.qv.Quorum(snregistry.QuorumTypePulse, height)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.height, c.hasRound, c.q = height, true, q
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) round() (quorum.Quorum, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.q, c.height, c.hasRound
}

// HandleHandshake processes an inbound pulse.validator_bit.
func (c *Coordinator) HandleHandshake(env transport.Envelope, msg HandshakeMsg) error {
	q, height, ok := c.round()
	if !ok || !positionInBounds(msg.Position, q) {
		return nil
	}
	c.queue.push(Variant{Phase: PhaseHandshake, Height: height, From: env.Caller, Handshake: &msg})
	c.forwardMatrix(q, env.Caller, CommandHandshake, msg, false)
	return nil
}

// HandleBitset processes an inbound pulse.validator_bitset. Workers are
// included in the relay so non-validator nodes can observe progress.
func (c *Coordinator) HandleBitset(env transport.Envelope, msg BitsetMsg) error {
	q, height, ok := c.round()
	if !ok || !positionInBounds(msg.Position, q) {
		return nil
	}
	c.queue.push(Variant{Phase: PhaseBitset, Height: height, From: env.Caller, Bitset: &msg})
	c.forwardMatrix(q, env.Caller, CommandBitset, msg, true)
	return nil
}

// HandleRandomValueHash processes an inbound pulse.random_value_hash.
func (c *Coordinator) HandleRandomValueHash(env transport.Envelope, msg RandomValueHashMsg) error {
	q, height, ok := c.round()
	if !ok || !positionInBounds(msg.Position, q) {
		return nil
	}
	c.queue.push(Variant{Phase: PhaseRandomValueHash, Height: height, From: env.Caller, RVHash: &msg})
	c.forwardMatrix(q, env.Caller, CommandRandomValueHash, msg, false)
	return nil
}

// HandleRandomValue processes an inbound pulse.random_value.
func (c *Coordinator) HandleRandomValue(env transport.Envelope, msg RandomValueMsg) error {
	q, height, ok := c.round()
	if !ok || !positionInBounds(msg.Position, q) {
		return nil
	}
	c.queue.push(Variant{Phase: PhaseRandomValue, Height: height, From: env.Caller, RVReveal: &msg})
	c.forwardMatrix(q, env.Caller, CommandRandomValue, msg, false)
	return nil
}

// HandleBlockTemplate processes an inbound pulse.block_template: it
// carries no quorum position, so there is no bounds check beyond having
// an active round.
func (c *Coordinator) HandleBlockTemplate(env transport.Envelope, msg BlockTemplateMsg) error {
	q, height, ok := c.round()
	if !ok {
		return nil
	}
	c.queue.push(Variant{Phase: PhaseBlockTemplate, Height: height, From: env.Caller, Template: &msg})
	c.forwardSubset(q, msg)
	return nil
}

// marshaler is satisfied by every pulse message type.
type marshaler interface {
	Marshal() ([]byte, error)
}

func (c *Coordinator) forwardMatrix(q quorum.Quorum, exclude common.PubKey, cmd string, msg marshaler, includeWorkers bool) {
	payload, err := msg.Marshal()
	if err != nil {
		c.log.Error("marshal pulse message for relay", "cmd", cmd, "err", err)
		return
	}
	c.relayMatrix(q, exclude, transport.Command(cmd), payload, includeWorkers)
}

func (c *Coordinator) forwardSubset(q quorum.Quorum, msg marshaler) {
	payload, err := msg.Marshal()
	if err != nil {
		c.log.Error("marshal pulse.block_template for relay", "err", err)
		return
	}
	c.relaySubset(q, transport.Command(CommandBlockTemplate), payload)
}

// BroadcastHandshake lets the handler originate this node's own
// handshake for the active round.
func (c *Coordinator) BroadcastHandshake(msg HandshakeMsg) error {
	return c.broadcastMatrix(CommandHandshake, msg, false)
}

// BroadcastBitset lets the handler originate an aggregated bitset,
// including workers in the relay.
func (c *Coordinator) BroadcastBitset(msg BitsetMsg) error {
	return c.broadcastMatrix(CommandBitset, msg, true)
}

// BroadcastRandomValueHash lets the handler originate its commit.
func (c *Coordinator) BroadcastRandomValueHash(msg RandomValueHashMsg) error {
	return c.broadcastMatrix(CommandRandomValueHash, msg, false)
}

// BroadcastRandomValue lets the handler originate its reveal.
func (c *Coordinator) BroadcastRandomValue(msg RandomValueMsg) error {
	return c.broadcastMatrix(CommandRandomValue, msg, false)
}

// BroadcastBlockTemplate lets the block producer originate a new
// template proposal via the subset planner.
func (c *Coordinator) BroadcastBlockTemplate(msg BlockTemplateMsg) error {
	q, _, ok := c.round()
	if !ok {
		return quorum.ErrNoQuorum
	}
	c.forwardSubset(q, msg)
	return nil
}

func (c *Coordinator) broadcastMatrix(cmd string, msg marshaler, includeWorkers bool) error {
	q, _, ok := c.round()
	if !ok {
		return quorum.ErrNoQuorum
	}
	c.forwardMatrix(q, common.PubKey{}, cmd, msg, includeWorkers)
	return nil
}

// relayMatrix implements the matrix fan-out for a single quorum (pulse
// has one validator set per round, not a base/future pair, so only the
// intra-quorum strong/opportunistic edges from relay.QuorumOutgoingConns
// /QuorumIncomingConns apply — there is no inter-quorum half logic here).
func (c *Coordinator) relayMatrix(q quorum.Quorum, exclude common.PubKey, cmd transport.Command, payload []byte, includeWorkers bool) {
	myPos := q.Position(c.cfg.Self)
	if myPos < 0 {
		return
	}
	size := len(q.Validators)

	strongSeen := make(map[common.PubKey]bool)
	oppSeen := make(map[common.PubKey]bool)
	var strong, opportunistic []common.PubKey

	resolve := func(pk common.PubKey) (peer.Address, bool) {
		if pk == exclude {
			return peer.Address{}, false
		}
		addr, err := c.peers.Resolve(pk)
		if err != nil {
			return peer.Address{}, false
		}
		return addr, true
	}

	for _, j := range relay.QuorumOutgoingConns(myPos, size) {
		pk := q.Validators[j]
		if strongSeen[pk] {
			continue
		}
		if _, ok := resolve(pk); ok {
			strongSeen[pk] = true
			strong = append(strong, pk)
		}
	}
	for _, j := range relay.QuorumIncomingConns(myPos, size) {
		pk := q.Validators[j]
		if strongSeen[pk] || oppSeen[pk] {
			continue
		}
		if _, ok := resolve(pk); ok {
			oppSeen[pk] = true
			opportunistic = append(opportunistic, pk)
		}
	}

	for _, pk := range strong {
		if err := c.send.Send(pk, cmd, payload); err != nil {
			c.log.Debug("pulse strong relay failed", "peer", pk, "cmd", cmd, "err", err)
		}
	}
	for _, pk := range opportunistic {
		addr, err := c.peers.Resolve(pk)
		if err != nil {
			continue
		}
		_ = c.send.SendHinted(pk, cmd, payload, addr.IP, true)
	}

	if includeWorkers {
		for _, pk := range q.Workers {
			if pk == exclude {
				continue
			}
			addr, err := c.peers.Resolve(pk)
			if err != nil {
				continue
			}
			_ = c.send.SendHinted(pk, cmd, payload, addr.IP, true)
		}
	}
}

// relaySubset implements the subset fan-out used for block_template.
func (c *Coordinator) relaySubset(q quorum.Quorum, cmd transport.Command, payload []byte) {
	candidates := make([]relay.Target, 0, len(q.Validators))
	for _, pk := range q.Validators {
		addr, err := c.peers.Resolve(pk)
		if err != nil {
			continue
		}
		candidates = append(candidates, relay.Target{Pubkey: pk, Version: addr.Version})
	}
	targets := relay.SubsetFanout(candidates, c.seed(), relay.DefaultFanout)
	for _, t := range targets {
		if err := c.send.Send(t.Pubkey, cmd, payload); err != nil {
			c.log.Debug("pulse block_template relay failed", "peer", t.Pubkey, "err", err)
		}
	}
}

func (c *Coordinator) seed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func positionInBounds(pos int, q quorum.Quorum) bool {
	return pos >= 0 && pos < len(q.Validators)
}
