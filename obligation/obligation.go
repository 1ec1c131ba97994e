// Package obligation implements the obligation-vote relay (spec.md §4.G,
// component G): point-to-point relay of service-node misbehaviour votes
// with dedup at the verifier. Outbound, a batch of votes is validated
// against quorum membership and matrix-relayed; inbound, a vote is
// deserialised, bounds-checked against tip, and handed to the vote
// subsystem, which is re-relayed on if the subsystem reports it as newly
// pooled (a peer this node's own fan-out did not reach may still need it).
package obligation

import (
	"errors"
	"sync"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/xlog"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/relay"
	"github.com/tos-network/quorumd/snregistry"
	"github.com/tos-network/quorumd/transport"
)

// MinValidators is the minimum obligation-quorum size this node will
// participate in relaying for.
const MinValidators = 7

var (
	// ErrNotInQuorum is returned by Submit when this node is not a member
	// of the obligation quorum at the batch's height.
	ErrNotInQuorum = errors.New("obligation: not a member of the quorum at this height")
	// ErrQuorumTooSmall is returned when the resolved quorum has fewer
	// than MinValidators members.
	ErrQuorumTooSmall = errors.New("obligation: quorum below minimum validator count")
)

// VoteResult is what the vote subsystem reports after handling one vote.
type VoteResult uint8

const (
	// AlreadyPresent means the vote subsystem already had this vote (or
	// an equivalent decision) and did nothing new.
	AlreadyPresent VoteResult = iota
	// AddedToPool means the vote subsystem newly accepted this vote,
	// which must be re-relayed to reach peers this node's own matrix
	// fan-out did not cover.
	AddedToPool
)

// VotePool is the boundary this module consumes from the service-node
// misbehaviour vote subsystem.
type VotePool interface {
	AddVote(vote VoteMsg) (VoteResult, error)
}

// Coordinator is the per-node obligation-vote relay runtime.
type Coordinator struct {
	self  common.PubKey
	qv    *quorum.View
	peers *peer.Resolver
	pool  VotePool
	send  transport.Sender
	log   xlog.Logger

	mu   sync.Mutex
	seen map[voteKey]bool
}

type voteKey struct {
	height uint64
	worker int
	voter  int
}

func NewCoordinator(self common.PubKey, qv *quorum.View, peers *peer.Resolver, pool VotePool, send transport.Sender) *Coordinator {
	return &Coordinator{
		self:  self,
		qv:    qv,
		peers: peers,
		pool:  pool,
		send:  send,
		log:   xlog.New("obligation"),
		seen:  make(map[voteKey]bool),
	}
}

// Submit implements the outbound half of spec.md §4.G: verify each vote
// belongs to a big-enough obligation quorum this node is a member of,
// then matrix-relay it. A batch is processed vote-by-vote so one bad
// vote does not block the rest.
func (c *Coordinator) Submit(votes []VoteMsg) []error {
	errs := make([]error, len(votes))
	for i, v := range votes {
		errs[i] = c.submitOne(v)
	}
	return errs
}

func (c *Coordinator) submitOne(v VoteMsg) error {
	q, err := c.qv.Quorum(snregistry.QuorumTypeObligation, v.Height)
	if err != nil {
		return err
	}
	if len(q.Validators) < MinValidators {
		return ErrQuorumTooSmall
	}
	myPos := q.Position(c.self)
	if myPos < 0 {
		return ErrNotInQuorum
	}

	payload, err := v.Marshal()
	if err != nil {
		return err
	}
	c.markSeen(v)
	c.relay(q, myPos, common.PubKey{}, payload)
	return nil
}

// HandleVote implements the inbound half: deserialise (by the caller,
// via UnmarshalVote), verify height <= tip, hand to the vote subsystem,
// and re-relay only if it is newly pooled.
func (c *Coordinator) HandleVote(env transport.Envelope, tip uint64, msg VoteMsg) error {
	if msg.Height > tip {
		c.log.Debug("obligation vote height ahead of tip", "height", msg.Height, "tip", tip)
		return nil
	}

	q, err := c.qv.Quorum(snregistry.QuorumTypeObligation, msg.Height)
	if err != nil || len(q.Validators) < MinValidators {
		return nil
	}
	myPos := q.Position(c.self)
	if myPos < 0 {
		return nil
	}

	if c.alreadySeen(msg) {
		return nil
	}

	result, err := c.pool.AddVote(msg)
	if err != nil {
		c.log.Debug("vote pool rejected obligation vote", "err", err)
		return nil
	}
	c.markSeen(msg)

	if result == AddedToPool {
		payload, err := msg.Marshal()
		if err != nil {
			c.log.Error("marshal obligation vote for re-relay", "err", err)
			return nil
		}
		c.relay(q, myPos, env.Caller, payload)
	}
	return nil
}

func (c *Coordinator) alreadySeen(v VoteMsg) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[keyOf(v)]
}

func (c *Coordinator) markSeen(v VoteMsg) {
	c.mu.Lock()
	c.seen[keyOf(v)] = true
	c.mu.Unlock()
}

func keyOf(v VoteMsg) voteKey {
	return voteKey{height: v.Height, worker: v.WorkerIndex, voter: v.VoterPosition}
}

// relay implements the matrix fan-out over the single obligation quorum:
// intra-quorum strong (row) and opportunistic (column) edges only, no
// inter-quorum half logic (obligation, like pulse, has one quorum per
// height rather than blink's base/future pair).
func (c *Coordinator) relay(q quorum.Quorum, myPos int, exclude common.PubKey, payload []byte) {
	size := len(q.Validators)
	strongSeen := make(map[common.PubKey]bool)
	oppSeen := make(map[common.PubKey]bool)

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
			if err := c.send.Send(pk, transport.Command(CommandVote), payload); err != nil {
				c.log.Debug("obligation strong relay failed", "peer", pk, "err", err)
			}
		}
	}
	for _, j := range relay.QuorumIncomingConns(myPos, size) {
		pk := q.Validators[j]
		if strongSeen[pk] || oppSeen[pk] {
			continue
		}
		addr, ok := resolve(pk)
		if !ok {
			continue
		}
		oppSeen[pk] = true
		_ = c.send.SendHinted(pk, transport.Command(CommandVote), payload, addr.IP, true)
	}
}
