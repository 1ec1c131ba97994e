// Package common holds the small fixed-size value types shared across the
// quorum substrate: service-node identity keys, transaction hashes, and
// signatures. It mirrors the role of go-ethereum's common package in the
// teacher repo, scoped to what this module needs.
package common

import (
	"encoding/hex"
	"fmt"
)

// HashLength is the size in bytes of a blink transaction hash.
const HashLength = 32

// PubKeyLength is the size in bytes of a service-node signing (ed25519) or
// x25519 identity public key.
const PubKeyLength = 32

// SignatureLength is the size in bytes of an ed25519 signature.
const SignatureLength = 64

// Hash is a 32-byte value, typically a blink transaction hash or a
// pulse random-value commitment.
type Hash [HashLength]byte

// BytesToHash copies b into a Hash, keeping only the last HashLength bytes
// of a longer b and left-padding a shorter one with zeros.
func BytesToHash(b []byte) (h Hash) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// PubKey is a 32-byte public key: either a service-node ed25519 signing
// pubkey or an x25519 transport identity pubkey, depending on context.
type PubKey [PubKeyLength]byte

func BytesToPubKey(b []byte) (p PubKey) {
	copy(p[:], b)
	return p
}

func (p PubKey) Bytes() []byte { return p[:] }

func (p PubKey) String() string { return "0x" + hex.EncodeToString(p[:]) }

func (p PubKey) IsZero() bool { return p == PubKey{} }

// Signature is a 64-byte ed25519 signature.
type Signature [SignatureLength]byte

func BytesToSignature(b []byte) (s Signature, err error) {
	if len(b) != SignatureLength {
		return s, fmt.Errorf("common: signature must be %d bytes, got %d", SignatureLength, len(b))
	}
	copy(s[:], b)
	return s, nil
}

func (s Signature) Bytes() []byte { return s[:] }
