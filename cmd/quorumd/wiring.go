package main

import (
	"fmt"

	"github.com/tos-network/quorumd/blink"
	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/dispatch"
	"github.com/tos-network/quorumd/internal/snkey"
	"github.com/tos-network/quorumd/internal/xlog"
	"github.com/tos-network/quorumd/mempool"
	"github.com/tos-network/quorumd/obligation"
	"github.com/tos-network/quorumd/peer"
	"github.com/tos-network/quorumd/promise"
	"github.com/tos-network/quorumd/pulse"
	"github.com/tos-network/quorumd/quorum"
	"github.com/tos-network/quorumd/snregistry"
	"github.com/tos-network/quorumd/transport"
)

// node bundles every wired-up component for one quorumd process. cmd
// quorumd itself never touches chain state or the network directly: the
// snregistry.Registry, mempool.Pool, and transport.Sender+Dispatcher it is
// handed are the boundary a real deployment plugs in; the in-memory
// implementations newNode wires here exist for a node to come up and relay
// traffic among itself locally the same way the test suites exercise it.
type node struct {
	self        snkey.KeyPair
	transportID peer.Identity

	reg snregistry.Registry
	bus *transport.Memory

	blinkCoord *blink.Coordinator
	promiseTbl *promise.Table
	pulseCoord *pulse.Coordinator
	oblCoord   *obligation.Coordinator
	dispatcher *dispatch.Registry
}

type snRegistryChecker struct {
	reg snregistry.Registry
}

func (c snRegistryChecker) IsKnownSN(pubkey common.PubKey) bool {
	proof, ok := c.reg.UptimeProof(pubkey)
	return ok && proof.Active
}

// newNode wires every component against a fresh in-memory registry and
// transport, and an idle pulse round (no quorum set until SetRound is
// called against a real chain height).
func newNode(self snkey.KeyPair, hfVersion, blinkEnabledHF, retentionBlocks uint64, fanout int) (*node, error) {
	transportID, err := peer.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate transport identity: %w", err)
	}

	reg := snregistry.NewStatic()

	qv := quorum.NewView(reg)
	peers := peer.NewResolver(reg)
	bus := transport.NewMemory()
	pool := mempool.NewMemory(0)
	oblPool := obligation.NewMemoryPool()

	blinkCoord := blink.NewCoordinator(blink.Config{
		Self:            self.Public,
		Signer:          self,
		HFVersion:       hfVersion,
		BlinkEnabledHF:  blinkEnabledHF,
		RetentionBlocks: retentionBlocks,
	}, qv, peers, pool, bus)

	promiseCfg := promise.Config{Self: self.Public}
	if fanout > 0 {
		promiseCfg.FanoutSize = fanout
	}
	promiseTbl := promise.NewTable(promiseCfg, qv, peers, pool, bus)

	oblCoord := obligation.NewCoordinator(self.Public, qv, peers, oblPool, bus)

	n := &node{self: self, transportID: transportID, reg: reg, bus: bus, blinkCoord: blinkCoord, promiseTbl: promiseTbl, oblCoord: oblCoord}

	n.pulseCoord = pulse.NewCoordinator(pulse.Config{Self: self.Public}, qv, peers, bus, n.handlePulseVariant)

	n.dispatcher = dispatch.NewRegistry(snRegistryChecker{reg: reg})
	n.registerCategories()
	n.registerCommands()
	n.registerBusRoutes()
	return n, nil
}

// handlePulseVariant is the sole consumer draining the pulse coordinator's
// actor queue; a production node would drive its round state machine from
// here. This wiring just logs each phase transition it observes.
func (n *node) handlePulseVariant(v pulse.Variant) {
	xlog.Info("pulse phase", "phase", v.Phase, "height", v.Height, "from", v.From)
}

func (n *node) registerCategories() {
	must(n.dispatcher.RegisterCategory("quorum", dispatch.AccessSNToSN, 2))
	must(n.dispatcher.RegisterCategory("blink", dispatch.AccessOpenToSN, 1))
	must(n.dispatcher.RegisterCategory("bl", dispatch.AccessSNToOpen, 1))
	must(n.dispatcher.RegisterCategory("pulse", dispatch.AccessSNToSN, 1))
}

func (n *node) registerCommands() {
	reg := n.dispatcher

	must(reg.RegisterCommand("blink", blink.CommandSubmit, func(env transport.Envelope) error {
		msg, err := blink.UnmarshalSubmit(env.Payload)
		if err != nil {
			return err
		}
		return n.blinkCoord.HandleSubmit(env, msg)
	}))
	must(reg.RegisterCommand("quorum", blink.CommandSign, func(env transport.Envelope) error {
		msg, err := blink.UnmarshalSign(env.Payload)
		if err != nil {
			return err
		}
		return n.blinkCoord.HandleSign(env, msg)
	}))
	must(reg.RegisterCommand("quorum", obligation.CommandVote, func(env transport.Envelope) error {
		msg, err := obligation.UnmarshalVote(env.Payload)
		if err != nil {
			return err
		}
		return n.oblCoord.HandleVote(env, n.reg.TipHeight(), msg)
	}))
	must(reg.RegisterCommand("bl", blink.CommandNostart, func(env transport.Envelope) error {
		msg, err := blink.UnmarshalNostart(env.Payload)
		if err != nil {
			return err
		}
		n.promiseTbl.HandleNostart(msg)
		return nil
	}))
	must(reg.RegisterCommand("bl", blink.CommandBad, func(env transport.Envelope) error {
		msg, err := blink.UnmarshalTagMsg(env.Payload)
		if err != nil {
			return err
		}
		n.promiseTbl.HandleBad(msg)
		return nil
	}))
	must(reg.RegisterCommand("bl", blink.CommandGood, func(env transport.Envelope) error {
		msg, err := blink.UnmarshalTagMsg(env.Payload)
		if err != nil {
			return err
		}
		n.promiseTbl.HandleGood(msg)
		return nil
	}))
	must(reg.RegisterCommand("pulse", pulse.CommandHandshake, func(env transport.Envelope) error {
		msg, err := pulse.UnmarshalHandshake(env.Payload)
		if err != nil {
			return err
		}
		return n.pulseCoord.HandleHandshake(env, msg)
	}))
	must(reg.RegisterCommand("pulse", pulse.CommandBitset, func(env transport.Envelope) error {
		msg, err := pulse.UnmarshalBitset(env.Payload)
		if err != nil {
			return err
		}
		return n.pulseCoord.HandleBitset(env, msg)
	}))
	must(reg.RegisterCommand("pulse", pulse.CommandBlockTemplate, func(env transport.Envelope) error {
		msg, err := pulse.UnmarshalBlockTemplate(env.Payload)
		if err != nil {
			return err
		}
		return n.pulseCoord.HandleBlockTemplate(env, msg)
	}))
	must(reg.RegisterCommand("pulse", pulse.CommandRandomValueHash, func(env transport.Envelope) error {
		msg, err := pulse.UnmarshalRandomValueHash(env.Payload)
		if err != nil {
			return err
		}
		return n.pulseCoord.HandleRandomValueHash(env, msg)
	}))
	must(reg.RegisterCommand("pulse", pulse.CommandRandomValue, func(env transport.Envelope) error {
		msg, err := pulse.UnmarshalRandomValue(env.Payload)
		if err != nil {
			return err
		}
		return n.pulseCoord.HandleRandomValue(env, msg)
	}))
}

// registerBusRoutes wires the transport's per-category inbound delivery
// (spec.md §5's quorumnet addressing) onto the dispatcher: each category
// the bus knows how to receive on forwards straight into Dispatch, which
// then applies the access rule and exact-command routing itself.
func (n *node) registerBusRoutes() {
	for _, category := range []string{"quorum", "blink", "bl", "pulse"} {
		n.bus.Register(category, n.dispatcher.Dispatch)
	}
}

func (n *node) stop() {
	n.pulseCoord.Stop()
	n.dispatcher.Stop()
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("quorumd: wiring invariant violated: %v", err))
	}
}
