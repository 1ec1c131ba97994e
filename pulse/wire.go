package pulse

import (
	"errors"

	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/wire"
)

// Wire field keys (spec.md §6, pulse.* flat schema).
const (
	fieldPosition  = 'q'
	fieldSignature = 's'
	fieldBitset    = 'b'
	fieldHash      = '#'
	fieldReveal    = 'r'
	fieldTemplate  = 't'
)

// Transport commands for the five pulse message variants.
const (
	CommandHandshake       = "pulse.validator_bit"
	CommandBitset          = "pulse.validator_bitset"
	CommandBlockTemplate   = "pulse.block_template"
	CommandRandomValueHash = "pulse.random_value_hash"
	CommandRandomValue     = "pulse.random_value"
)

var (
	errInvalidSigLength  = errors.New("pulse: signature must be exactly 64 bytes")
	errInvalidHashLength = errors.New("pulse: hash/reveal value must be exactly 32 bytes")
)

// HandshakeMsg is pulse.validator_bit: one validator's presence signal for
// the current round.
type HandshakeMsg struct {
	Position  int
	Signature common.Signature
}

func (m HandshakeMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{fieldPosition: m.Position, fieldSignature: m.Signature.Bytes()})
}

func UnmarshalHandshake(data []byte) (HandshakeMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return HandshakeMsg{}, err
	}
	pos, err := wire.RequireUint64(d, fieldPosition)
	if err != nil {
		return HandshakeMsg{}, err
	}
	sig, err := requireSignature(d)
	if err != nil {
		return HandshakeMsg{}, err
	}
	return HandshakeMsg{Position: int(pos), Signature: sig}, nil
}

// BitsetMsg is pulse.validator_bitset: the aggregated handshake bitset
// observed so far for the current round.
type BitsetMsg struct {
	Bitset    uint16
	Position  int
	Signature common.Signature
}

func (m BitsetMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{
		fieldBitset:    uint64(m.Bitset),
		fieldPosition:  m.Position,
		fieldSignature: m.Signature.Bytes(),
	})
}

func UnmarshalBitset(data []byte) (BitsetMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return BitsetMsg{}, err
	}
	bitset, err := wire.RequireUint64(d, fieldBitset)
	if err != nil {
		return BitsetMsg{}, err
	}
	pos, err := wire.RequireUint64(d, fieldPosition)
	if err != nil {
		return BitsetMsg{}, err
	}
	sig, err := requireSignature(d)
	if err != nil {
		return BitsetMsg{}, err
	}
	return BitsetMsg{Bitset: uint16(bitset), Position: int(pos), Signature: sig}, nil
}

// BlockTemplateMsg is pulse.block_template: the proposed next-block
// template, originated only by the block producer. It carries no
// quorum_position: the producer is identified by the connection it is
// sent over, not a grid slot.
type BlockTemplateMsg struct {
	Signature common.Signature
	Template  []byte
}

func (m BlockTemplateMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{fieldSignature: m.Signature.Bytes(), fieldTemplate: m.Template})
}

func UnmarshalBlockTemplate(data []byte) (BlockTemplateMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return BlockTemplateMsg{}, err
	}
	sig, err := requireSignature(d)
	if err != nil {
		return BlockTemplateMsg{}, err
	}
	tmpl, err := wire.RequireBytes(d, fieldTemplate)
	if err != nil {
		return BlockTemplateMsg{}, err
	}
	return BlockTemplateMsg{Signature: sig, Template: tmpl}, nil
}

// RandomValueHashMsg is pulse.random_value_hash: the commit phase of the
// entropy commit-reveal.
type RandomValueHashMsg struct {
	Hash      common.Hash
	Position  int
	Signature common.Signature
}

func (m RandomValueHashMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{
		fieldHash:      m.Hash.Bytes(),
		fieldPosition:  m.Position,
		fieldSignature: m.Signature.Bytes(),
	})
}

func UnmarshalRandomValueHash(data []byte) (RandomValueHashMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return RandomValueHashMsg{}, err
	}
	hashBytes, err := wire.RequireBytes(d, fieldHash)
	if err != nil {
		return RandomValueHashMsg{}, err
	}
	if len(hashBytes) != common.HashLength {
		return RandomValueHashMsg{}, errInvalidHashLength
	}
	pos, err := wire.RequireUint64(d, fieldPosition)
	if err != nil {
		return RandomValueHashMsg{}, err
	}
	sig, err := requireSignature(d)
	if err != nil {
		return RandomValueHashMsg{}, err
	}
	return RandomValueHashMsg{Hash: common.BytesToHash(hashBytes), Position: int(pos), Signature: sig}, nil
}

// RandomValueMsg is pulse.random_value: the reveal phase. The receiver is
// responsible for checking Reveal hashes to the previously committed
// RandomValueHashMsg.Hash; this package only validates wire shape.
type RandomValueMsg struct {
	Reveal    common.Hash
	Position  int
	Signature common.Signature
}

func (m RandomValueMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{
		fieldReveal:    m.Reveal.Bytes(),
		fieldPosition:  m.Position,
		fieldSignature: m.Signature.Bytes(),
	})
}

func UnmarshalRandomValue(data []byte) (RandomValueMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return RandomValueMsg{}, err
	}
	revealBytes, err := wire.RequireBytes(d, fieldReveal)
	if err != nil {
		return RandomValueMsg{}, err
	}
	if len(revealBytes) != common.HashLength {
		return RandomValueMsg{}, errInvalidHashLength
	}
	pos, err := wire.RequireUint64(d, fieldPosition)
	if err != nil {
		return RandomValueMsg{}, err
	}
	sig, err := requireSignature(d)
	if err != nil {
		return RandomValueMsg{}, err
	}
	return RandomValueMsg{Reveal: common.BytesToHash(revealBytes), Position: int(pos), Signature: sig}, nil
}

func requireSignature(d wire.Dict) (common.Signature, error) {
	raw, err := wire.RequireBytes(d, fieldSignature)
	if err != nil {
		return common.Signature{}, err
	}
	sig, err := common.BytesToSignature(raw)
	if err != nil {
		return common.Signature{}, errInvalidSigLength
	}
	return sig, nil
}
