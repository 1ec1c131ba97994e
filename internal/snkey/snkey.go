// Package snkey wraps the service-node signing identity: an ed25519
// keypair used to sign the blink approve/reject hash and the pulse phase
// messages, storing it as this module's own fixed-size common.PubKey and
// common.Signature types rather than the stdlib's slice-backed aliases.
package snkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/tos-network/quorumd/common"
)

// KeyPair is this node's service-node signing identity.
type KeyPair struct {
	Public  common.PubKey
	private ed25519.PrivateKey
}

// Generate creates a new random signing keypair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("snkey: generate: %w", err)
	}
	return KeyPair{Public: common.BytesToPubKey(pub), private: priv}, nil
}

// FromSeed derives a keypair deterministically from a 32-byte seed, e.g.
// loaded from the node's key file.
func FromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("snkey: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("snkey: derived public key has unexpected type")
	}
	return KeyPair{Public: common.BytesToPubKey(pub), private: priv}, nil
}

// Sign signs message with this node's private key.
func (kp KeyPair) Sign(message []byte) common.Signature {
	sig := ed25519.Sign(kp.private, message)
	var out common.Signature
	copy(out[:], sig)
	return out
}

// Verify checks sig against message under pub.
func Verify(pub common.PubKey, message []byte, sig common.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig[:])
}
