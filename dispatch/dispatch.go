// Package dispatch implements the command dispatch adapter (spec.md
// §4.H, component H): per-category access control and a fixed-size
// worker pool per category servicing the transport's inbound dispatch
// (spec.md §5). It follows the teacher's own category/handler
// registration shape in sysaction.Registry (register once, look up by
// kind at dispatch time), generalized from a single flat registry to
// one scoped per category so each category can carry its own access
// rule and reserved worker count; the fixed-size goroutine pool per
// category is grounded on the teacher's own goroutine-fan-out pattern
// in core/parallel/executor.go, sized statically instead of per-block.
package dispatch

import (
	"errors"
	"sync"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/xlog"
	"github.com/tos-network/quorumd/transport"
)

// Access names which caller class may invoke a category.
type Access uint8

const (
	// AccessSNToSN requires the caller to be a known, active service
	// node ("quorum.*", "pulse.*" in spec.md §4.H's table).
	AccessSNToSN Access = iota
	// AccessOpenToSN accepts any caller ("blink.*").
	AccessOpenToSN
	// AccessSNToOpen requires the caller to be a known service node; the
	// receiving node itself need not be one ("bl.*" replies).
	AccessSNToOpen
)

// RequiresKnownSN reports whether this access level restricts the
// caller to a known, active service node.
func (a Access) RequiresKnownSN() bool { return a != AccessOpenToSN }

func (a Access) String() string {
	switch a {
	case AccessSNToSN:
		return "SN<->SN"
	case AccessOpenToSN:
		return "open->SN"
	case AccessSNToOpen:
		return "SN->open"
	default:
		return "unknown"
	}
}

// SNChecker resolves whether a pubkey is currently a known, active
// service node — the boundary this package needs onto the service-node
// registry without depending on its concrete type.
type SNChecker interface {
	IsKnownSN(pubkey common.PubKey) bool
}

// CommandHandler processes one dispatched inbound envelope.
type CommandHandler func(transport.Envelope) error

var (
	ErrCategoryExists    = errors.New("dispatch: category already registered")
	ErrCategoryUnknown   = errors.New("dispatch: category not registered")
	ErrCommandExists     = errors.New("dispatch: command already registered")
	ErrInvalidWorkers    = errors.New("dispatch: workers must be positive")
	errUnexpectedCommand = errors.New("dispatch: command has no category separator")
)

// queueDepth bounds each category's inbound job queue; a full queue
// sheds load rather than blocking the transport's own read loop.
const queueDepth = 256

type job struct {
	handler CommandHandler
	env     transport.Envelope
}

type category struct {
	access   Access
	queue    chan job
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	handlers map[transport.Command]CommandHandler
}

// Registry is the per-node command dispatch adapter: it owns one
// worker pool per registered category and routes each inbound envelope
// to the handler registered for its exact command, after checking the
// category's access rule.
type Registry struct {
	snCheck SNChecker
	log     xlog.Logger

	mu         sync.RWMutex
	categories map[string]*category
}

func NewRegistry(snCheck SNChecker) *Registry {
	return &Registry{
		snCheck:    snCheck,
		log:        xlog.New("dispatch"),
		categories: make(map[string]*category),
	}
}

// RegisterCategory declares a category (e.g. "blink"), its access rule,
// and the fixed number of worker goroutines servicing its inbound queue
// (spec.md §4.H's "Reserved workers" column).
func (r *Registry) RegisterCategory(name string, access Access, workers int) error {
	if workers <= 0 {
		return ErrInvalidWorkers
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.categories[name]; exists {
		return ErrCategoryExists
	}
	cat := &category{
		access:   access,
		queue:    make(chan job, queueDepth),
		stop:     make(chan struct{}),
		handlers: make(map[transport.Command]CommandHandler),
	}
	r.categories[name] = cat
	for i := 0; i < workers; i++ {
		cat.wg.Add(1)
		go r.worker(name, cat)
	}
	return nil
}

func (r *Registry) worker(name string, cat *category) {
	defer cat.wg.Done()
	for {
		select {
		case <-cat.stop:
			return
		case j := <-cat.queue:
			if err := j.handler(j.env); err != nil {
				r.log.Error("dispatch handler failed", "category", name, "command", j.env.Command, "err", err)
			}
		}
	}
}

// RegisterCommand attaches a handler to one exact command string within
// an already-registered category.
func (r *Registry) RegisterCommand(categoryName string, command transport.Command, h CommandHandler) error {
	r.mu.RLock()
	cat, ok := r.categories[categoryName]
	r.mu.RUnlock()
	if !ok {
		return ErrCategoryUnknown
	}
	cat.mu.Lock()
	defer cat.mu.Unlock()
	if _, exists := cat.handlers[command]; exists {
		return ErrCommandExists
	}
	cat.handlers[command] = h
	return nil
}

// Dispatch routes one inbound envelope. Unregistered categories and
// access-rule violations are dropped with a debug-level log line and a
// nil error; a registered category with no handler for the exact command
// is ignored the same way (spec.md §4.H).
func (r *Registry) Dispatch(env transport.Envelope) error {
	name, err := categoryOf(env.Command)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	cat, ok := r.categories[name]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("dispatch: unregistered category", "category", name, "command", env.Command)
		return nil
	}
	if cat.access.RequiresKnownSN() && !r.snCheck.IsKnownSN(env.Caller) {
		r.log.Debug("dispatch: caller not a known service node", "category", name, "access", cat.access)
		return nil
	}

	cat.mu.RLock()
	h, ok := cat.handlers[env.Command]
	cat.mu.RUnlock()
	if !ok {
		r.log.Debug("dispatch: unknown command under allowed category", "category", name, "command", env.Command)
		return nil
	}

	select {
	case cat.queue <- job{handler: h, env: env}:
	default:
		r.log.Warn("dispatch: category queue full, dropping", "category", name, "command", env.Command)
	}
	return nil
}

// Stop halts every category's worker pool, waiting for in-flight jobs
// to finish. Queued-but-not-yet-picked-up jobs are abandoned.
func (r *Registry) Stop() {
	r.mu.RLock()
	cats := make([]*category, 0, len(r.categories))
	for _, c := range r.categories {
		cats = append(cats, c)
	}
	r.mu.RUnlock()
	for _, c := range cats {
		close(c.stop)
	}
	for _, c := range cats {
		c.wg.Wait()
	}
}

func categoryOf(cmd transport.Command) (string, error) {
	s := string(cmd)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], nil
		}
	}
	return "", errUnexpectedCommand
}
