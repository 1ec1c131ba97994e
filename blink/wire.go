package blink

import (
	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/wire"
)

// Wire field keys, single-byte per spec.md §6.
const (
	fieldTag      = '!'
	fieldHeight   = 'h'
	fieldChecksum = 'q'
	fieldTxBlob   = 't'
	fieldTxHash   = '#'
	fieldIndices  = 'i'
	fieldPosition = 'p'
	fieldResults  = 'r'
	fieldSigs     = 's'
	fieldReason   = 'e'
)

// CommandSubmit is the blink.submit transport command.
const CommandSubmit = "blink.submit"

// CommandSign is the quorum.blink_sign transport command.
const CommandSign = "quorum.blink_sign"

// Reply commands, category bl.* (spec.md §4.H).
const (
	CommandNostart = "bl.nostart"
	CommandBad     = "bl.bad"
	CommandGood    = "bl.good"
)

// SubmitMsg is blink.submit: an external or forwarded submission.
type SubmitMsg struct {
	Tag      uint64 // 0 if absent (internal forward, no originator reply owed)
	Height   uint64
	Checksum uint64
	TxBlob   []byte
	TxHash   common.Hash
}

func (m SubmitMsg) Marshal() ([]byte, error) {
	d := wire.Dict{
		fieldHeight:   m.Height,
		fieldChecksum: m.Checksum,
		fieldTxBlob:   m.TxBlob,
		fieldTxHash:   m.TxHash.Bytes(),
	}
	if m.Tag != 0 {
		d[fieldTag] = m.Tag
	}
	return wire.Encode(d)
}

func UnmarshalSubmit(data []byte) (SubmitMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return SubmitMsg{}, err
	}
	var m SubmitMsg
	if tag, found, err := wire.GetUint64(d, fieldTag); err != nil {
		return SubmitMsg{}, err
	} else if found {
		m.Tag = tag
	}
	if m.Height, err = wire.RequireUint64(d, fieldHeight); err != nil {
		return SubmitMsg{}, err
	}
	if m.Checksum, err = wire.RequireUint64(d, fieldChecksum); err != nil {
		return SubmitMsg{}, err
	}
	if m.TxBlob, err = wire.RequireBytes(d, fieldTxBlob); err != nil {
		return SubmitMsg{}, err
	}
	hashBytes, err := wire.RequireBytes(d, fieldTxHash)
	if err != nil {
		return SubmitMsg{}, err
	}
	if len(hashBytes) != common.HashLength {
		return SubmitMsg{}, errInvalidHashLength
	}
	m.TxHash = common.BytesToHash(hashBytes)
	return m, nil
}

// SignMsg is quorum.blink_sign: a bundle of newly-observed signatures for
// one (height, txhash), as four parallel lists.
type SignMsg struct {
	Height   uint64
	TxHash   common.Hash
	Checksum uint64
	Indices  []uint64 // subquorum index per entry
	Positions []int    // position within the subquorum per entry
	Results   []bool   // true = approve, false = reject
	Sigs      [][]byte // 64-byte signature per entry
}

func (m SignMsg) Marshal() ([]byte, error) {
	sigs := make([][]byte, len(m.Sigs))
	copy(sigs, m.Sigs)
	return wire.Encode(wire.Dict{
		fieldHeight:   m.Height,
		fieldTxHash:   m.TxHash.Bytes(),
		fieldChecksum: m.Checksum,
		fieldIndices:  m.Indices,
		fieldPosition: m.Positions,
		fieldResults:  m.Results,
		fieldSigs:     sigs,
	})
}

func UnmarshalSign(data []byte) (SignMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return SignMsg{}, err
	}
	var m SignMsg
	if m.Height, err = wire.RequireUint64(d, fieldHeight); err != nil {
		return SignMsg{}, err
	}
	hashBytes, err := wire.RequireBytes(d, fieldTxHash)
	if err != nil {
		return SignMsg{}, err
	}
	if len(hashBytes) != common.HashLength {
		return SignMsg{}, errInvalidHashLength
	}
	m.TxHash = common.BytesToHash(hashBytes)
	if m.Checksum, err = wire.RequireUint64(d, fieldChecksum); err != nil {
		return SignMsg{}, err
	}
	indices, _, err := wire.GetUint64List(d, fieldIndices)
	if err != nil {
		return SignMsg{}, err
	}
	positionsU, _, err := wire.GetUint64List(d, fieldPosition)
	if err != nil {
		return SignMsg{}, err
	}
	positions := make([]int, len(positionsU))
	for i, p := range positionsU {
		positions[i] = int(p)
	}
	results, _, err := wire.GetBoolList(d, fieldResults)
	if err != nil {
		return SignMsg{}, err
	}
	sigs, _, err := wire.GetBytesList(d, fieldSigs)
	if err != nil {
		return SignMsg{}, err
	}
	n := len(indices)
	if len(positions) != n || len(results) != n || len(sigs) != n {
		return SignMsg{}, errMismatchedLists
	}
	m.Indices, m.Positions, m.Results, m.Sigs = indices, positions, results, sigs
	return m, nil
}

// NostartMsg is bl.nostart: this node did not start quorum processing.
type NostartMsg struct {
	Tag    uint64
	Reason string
}

func (m NostartMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{fieldTag: m.Tag, fieldReason: []byte(m.Reason)})
}

func UnmarshalNostart(data []byte) (NostartMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return NostartMsg{}, err
	}
	tag, err := wire.RequireUint64(d, fieldTag)
	if err != nil {
		return NostartMsg{}, err
	}
	reason, err := wire.RequireBytes(d, fieldReason)
	if err != nil {
		return NostartMsg{}, err
	}
	return NostartMsg{Tag: tag, Reason: string(reason)}, nil
}

// TagMsg is the shape shared by bl.bad and bl.good: just the tag.
type TagMsg struct {
	Tag uint64
}

func (m TagMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{fieldTag: m.Tag})
}

func UnmarshalTagMsg(data []byte) (TagMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return TagMsg{}, err
	}
	tag, err := wire.RequireUint64(d, fieldTag)
	if err != nil {
		return TagMsg{}, err
	}
	return TagMsg{Tag: tag}, nil
}
