package peer

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/tos-network/quorumd/common"
)

// Identity is a node's x25519 transport keypair, the key published as
// UptimeProof.X25519Pubkey and resolved onto peers via Resolver. Distinct
// from snkey.KeyPair's ed25519 signing identity: spec.md's uptime proof
// carries both, one for transport-layer ECDH, one for signing.
type Identity struct {
	Public  common.PubKey
	private [32]byte
}

// GenerateIdentity creates a random x25519 transport identity, following
// the scalar-basepoint-multiply pattern the example pack uses for deriving
// a curve25519 public key from a private scalar.
func GenerateIdentity() (Identity, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return Identity{}, fmt.Errorf("peer: generate x25519 identity: %w", err)
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return Identity{Public: common.BytesToPubKey(pub[:]), private: priv}, nil
}

// SharedSecret performs the ECDH key exchange this node's transport
// identity would run against a resolved peer's x25519 pubkey, to derive a
// per-link encryption key for a production Sender implementation.
func (id Identity) SharedSecret(peerX25519 common.PubKey) ([]byte, error) {
	var secret [32]byte
	var pub [32]byte
	copy(pub[:], peerX25519[:])
	if isLowOrder(pub) {
		return nil, fmt.Errorf("peer: peer x25519 key is a low-order point")
	}
	curve25519.ScalarMult(&secret, &id.private, &pub)
	return secret[:], nil
}

// isLowOrder rejects the all-zero key, a low-order curve25519 point an
// honest peer would never publish; other low-order points are not
// checked.
func isLowOrder(pub [32]byte) bool {
	return pub == [32]byte{}
}
