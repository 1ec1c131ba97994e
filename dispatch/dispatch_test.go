package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/transport"
)

type fakeSNChecker struct {
	known map[common.PubKey]bool
}

func (f fakeSNChecker) IsKnownSN(pk common.PubKey) bool { return f.known[pk] }

func newPubKey(b byte) common.PubKey {
	var pk common.PubKey
	pk[0] = b
	return pk
}

func TestDispatchRoutesToRegisteredCommand(t *testing.T) {
	sn := newPubKey(1)
	reg := NewRegistry(fakeSNChecker{known: map[common.PubKey]bool{sn: true}})
	if err := reg.RegisterCategory("quorum", AccessSNToSN, 2); err != nil {
		t.Fatalf("RegisterCategory: %v", err)
	}
	defer reg.Stop()

	var mu sync.Mutex
	var got transport.Envelope
	done := make(chan struct{}, 1)
	handler := func(env transport.Envelope) error {
		mu.Lock()
		got = env
		mu.Unlock()
		done <- struct{}{}
		return nil
	}
	if err := reg.RegisterCommand("quorum", "quorum.blink_sign", handler); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	env := transport.Envelope{Command: "quorum.blink_sign", Caller: sn, Payload: []byte("x")}
	if err := reg.Dispatch(env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got.Payload) != "x" {
		t.Fatalf("handler received wrong envelope: %+v", got)
	}
}

func TestDispatchRejectsUnknownCallerForSNOnlyCategory(t *testing.T) {
	reg := NewRegistry(fakeSNChecker{known: map[common.PubKey]bool{}})
	if err := reg.RegisterCategory("pulse", AccessSNToSN, 1); err != nil {
		t.Fatalf("RegisterCategory: %v", err)
	}
	defer reg.Stop()

	ran := make(chan struct{}, 1)
	if err := reg.RegisterCommand("pulse", "pulse.validator_bit", func(transport.Envelope) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	err := reg.Dispatch(transport.Envelope{Command: "pulse.validator_bit", Caller: newPubKey(9)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-ran:
		t.Fatal("handler must not run for an unknown caller on an SN-only category")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchAcceptsAnyCallerForOpenToSN(t *testing.T) {
	reg := NewRegistry(fakeSNChecker{known: map[common.PubKey]bool{}})
	if err := reg.RegisterCategory("blink", AccessOpenToSN, 1); err != nil {
		t.Fatalf("RegisterCategory: %v", err)
	}
	defer reg.Stop()

	ran := make(chan struct{}, 1)
	if err := reg.RegisterCommand("blink", "blink.submit", func(transport.Envelope) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	err := reg.Dispatch(transport.Envelope{Command: "blink.submit", Caller: newPubKey(42)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("expected an unknown caller to be accepted under open->SN access")
	}
}

func TestDispatchIgnoresUnknownCommandUnderAllowedCategory(t *testing.T) {
	sn := newPubKey(3)
	reg := NewRegistry(fakeSNChecker{known: map[common.PubKey]bool{sn: true}})
	if err := reg.RegisterCategory("bl", AccessSNToOpen, 1); err != nil {
		t.Fatalf("RegisterCategory: %v", err)
	}
	defer reg.Stop()

	ran := make(chan struct{}, 1)
	if err := reg.RegisterCommand("bl", "bl.good", func(transport.Envelope) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("RegisterCommand: %v", err)
	}

	// bl.mystery is under the allowed "bl" category but was never
	// registered as a command: it must be silently ignored.
	err := reg.Dispatch(transport.Envelope{Command: "bl.mystery", Caller: sn})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case <-ran:
		t.Fatal("expected an unregistered command to be ignored, not routed to bl.good's handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchDropsUnregisteredCategory(t *testing.T) {
	reg := NewRegistry(fakeSNChecker{known: map[common.PubKey]bool{}})
	err := reg.Dispatch(transport.Envelope{Command: "unknown.thing"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestRegisterCategoryRejectsDuplicateAndBadWorkerCount(t *testing.T) {
	reg := NewRegistry(fakeSNChecker{})
	if err := reg.RegisterCategory("quorum", AccessSNToSN, 2); err != nil {
		t.Fatalf("RegisterCategory: %v", err)
	}
	defer reg.Stop()
	if err := reg.RegisterCategory("quorum", AccessSNToSN, 2); err != ErrCategoryExists {
		t.Fatalf("expected ErrCategoryExists, got %v", err)
	}
	if err := reg.RegisterCategory("bad", AccessSNToSN, 0); err != ErrInvalidWorkers {
		t.Fatalf("expected ErrInvalidWorkers, got %v", err)
	}
}
