// Package transport defines the boundary this module consumes from the
// authenticated pub/sub message bus (spec.md §1): sending to a peer by
// pubkey, sending with a connection hint, an optional/no-new-connection
// mode for opportunistic relay, and the inbound envelope shape (caller
// pubkey, connection id, category/command, payload). Production nodes
// wire a real quorumnet/zmq-backed implementation; tests use the
// in-memory Memory bus below.
package transport

import (
	"errors"
	"sync"

	"github.com/tos-network/quorumd/common"
)

// Command is a dotted category.name, e.g. "blink.submit", "pulse.block_template".
type Command string

// ConnID identifies an inbound connection a reply can be routed back over.
type ConnID uint64

// Envelope is one inbound message as delivered by the transport.
type Envelope struct {
	Command Command
	Payload []byte
	ConnID  ConnID
	Caller  common.PubKey
}

// ErrNoConnection is returned by SendHinted/Reply in optional mode when no
// connection to the peer currently exists — the caller must not treat
// this as a failure worth retrying or logging above trace level.
var ErrNoConnection = errors.New("transport: no existing connection (optional send dropped)")

// Sender is the outbound half of the transport boundary.
type Sender interface {
	// Send delivers payload under command to peer, opening a connection
	// if one does not already exist. Used for strong relay edges.
	Send(peer common.PubKey, command Command, payload []byte) error

	// SendHinted delivers to peer using addr as a connection hint. When
	// optional is true this must not open a new connection: if none
	// exists, it returns ErrNoConnection and the caller drops silently.
	// Used for opportunistic relay edges and "optional" originator replies.
	SendHinted(peer common.PubKey, command Command, payload []byte, addr string, optional bool) error

	// Reply delivers payload back over the inbound connection connID was
	// read from. optional mirrors SendHinted's semantics.
	Reply(connID ConnID, command Command, payload []byte, optional bool) error
}

// Handler processes one inbound envelope.
type Handler func(Envelope) error

// Dispatcher registers per-category inbound handlers; unknown commands
// under a registered category are ignored (spec.md §4.H).
type Dispatcher interface {
	Register(category string, handler Handler)
}

// Memory is an in-process Sender + Dispatcher double for tests: Send and
// SendHinted record every delivery instead of touching a network, and
// Deliver replays a payload through whatever handler is registered for
// its category.
type Memory struct {
	mu       sync.Mutex
	sent     []Sent
	handlers map[string]Handler
	conns    map[common.PubKey]bool
}

// Sent records one outbound call observed by Memory.
type Sent struct {
	Peer     common.PubKey
	Command  Command
	Payload  []byte
	Hinted   bool
	Addr     string
	Optional bool
}

func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]Handler), conns: make(map[common.PubKey]bool)}
}

func (m *Memory) Register(category string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[category] = handler
}

// SetConnected marks peer as having an existing connection, for tests
// exercising optional/opportunistic sends.
func (m *Memory) SetConnected(peer common.PubKey, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[peer] = connected
}

func (m *Memory) Send(peer common.PubKey, command Command, payload []byte) error {
	m.mu.Lock()
	m.conns[peer] = true
	m.sent = append(m.sent, Sent{Peer: peer, Command: command, Payload: payload})
	m.mu.Unlock()
	return nil
}

func (m *Memory) SendHinted(peer common.PubKey, command Command, payload []byte, addr string, optional bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if optional && !m.conns[peer] {
		return ErrNoConnection
	}
	m.conns[peer] = true
	m.sent = append(m.sent, Sent{Peer: peer, Command: command, Payload: payload, Hinted: true, Addr: addr, Optional: optional})
	return nil
}

func (m *Memory) Reply(connID ConnID, command Command, payload []byte, optional bool) error {
	m.mu.Lock()
	m.sent = append(m.sent, Sent{Command: command, Payload: payload, Optional: optional})
	m.mu.Unlock()
	return nil
}

// Sends returns a snapshot of everything recorded so far.
func (m *Memory) Sends() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// Deliver runs payload through the handler registered for category, as
// if it had arrived over the wire from caller.
func (m *Memory) Deliver(category string, env Envelope) error {
	m.mu.Lock()
	h, ok := m.handlers[category]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h(env)
}
