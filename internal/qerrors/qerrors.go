// Package qerrors implements the error taxonomy from the recovery-policy
// design: every externally visible operation classifies its failure as one
// of ValidationError, QuorumMismatch, TxInvalid, Transient, or Fatal, and
// maps that classification to either a nostart reply (before quorum
// distribution) or a rejection signature (after). The sentinel-and-wrap
// style follows validator/types.go and consensus/bft/types.go in the
// teacher.
package qerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the recovery policy.
type Kind uint8

const (
	// KindValidation covers malformed payloads: missing fields, bad sizes,
	// non-key signatures. Logged at info and dropped silently; external
	// submissions get a nostart with a description.
	KindValidation Kind = iota
	// KindQuorumMismatch covers checksum disagreement, quorum too small,
	// or this node not belonging to the quorum. nostart to submitter, no
	// peer relay.
	KindQuorumMismatch
	// KindTxInvalid covers tx parse failure, hash mismatch, hard-fork
	// version out of range, or mempool rejection. This is a successful
	// quorum outcome, not an internal error: the local node signs
	// rejected and relays.
	KindTxInvalid
	// KindTransient covers mempool lock contention or a full transport
	// queue. Logged and dropped; peers cover for it.
	KindTransient
	// KindFatal covers storage or lock invariant violations. Propagated;
	// the caller terminates the operation.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindQuorumMismatch:
		return "quorum_mismatch"
	case KindTxInvalid:
		return "tx_invalid"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// QError is an error annotated with a recovery Kind and, for external
// operations, a human-readable reason suitable for a nostart reply.
type QError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *QError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *QError) Unwrap() error { return e.Err }

// New builds a QError with the given kind and reason.
func New(kind Kind, reason string) *QError {
	return &QError{Kind: kind, Reason: reason}
}

// Wrap builds a QError wrapping an underlying error.
func Wrap(kind Kind, reason string, err error) *QError {
	return &QError{Kind: kind, Reason: reason, Err: err}
}

// As extracts a *QError from err, if present.
func As(err error) (*QError, bool) {
	var q *QError
	if errors.As(err, &q) {
		return q, true
	}
	return nil, false
}

// NoStartReason returns the nostart wire reason string for err, following
// spec.md §7's recovery policy: validation and quorum-mismatch errors
// surface their reason to the submitter; everything else is reported
// generically so internal detail doesn't leak onto the wire.
func NoStartReason(err error) string {
	q, ok := As(err)
	if !ok {
		return "internal error"
	}
	switch q.Kind {
	case KindValidation, KindQuorumMismatch:
		return q.Reason
	default:
		return "internal error"
	}
}

// IsRejection reports whether err represents a successful quorum-reject
// outcome (KindTxInvalid) rather than an operational failure.
func IsRejection(err error) bool {
	q, ok := As(err)
	return ok && q.Kind == KindTxInvalid
}
