package obligation

import (
	"github.com/tos-network/quorumd/common"
	"github.com/tos-network/quorumd/internal/wire"
)

// Wire field keys for quorum.vote_ob (spec.md §6: "single dict with all
// vote fields").
const (
	fieldHeight        = 'h'
	fieldWorkerIndex   = 'w'
	fieldVoterPosition = 'p'
	fieldSignature     = 's'
)

// CommandVote is the transport command for an obligation vote.
const CommandVote = "quorum.vote_ob"

// VoteMsg is quorum.vote_ob: one validator's vote on the misbehaviour of
// the service node at WorkerIndex within the obligation quorum active at
// Height, cast from VoterPosition in that same quorum.
type VoteMsg struct {
	Height        uint64
	WorkerIndex   int
	VoterPosition int
	Signature     common.Signature
}

func (m VoteMsg) Marshal() ([]byte, error) {
	return wire.Encode(wire.Dict{
		fieldHeight:        m.Height,
		fieldWorkerIndex:   m.WorkerIndex,
		fieldVoterPosition: m.VoterPosition,
		fieldSignature:     m.Signature.Bytes(),
	})
}

func UnmarshalVote(data []byte) (VoteMsg, error) {
	d, err := wire.Decode(data)
	if err != nil {
		return VoteMsg{}, err
	}
	height, err := wire.RequireUint64(d, fieldHeight)
	if err != nil {
		return VoteMsg{}, err
	}
	worker, err := wire.RequireUint64(d, fieldWorkerIndex)
	if err != nil {
		return VoteMsg{}, err
	}
	voter, err := wire.RequireUint64(d, fieldVoterPosition)
	if err != nil {
		return VoteMsg{}, err
	}
	rawSig, err := wire.RequireBytes(d, fieldSignature)
	if err != nil {
		return VoteMsg{}, err
	}
	sig, err := common.BytesToSignature(rawSig)
	if err != nil {
		return VoteMsg{}, err
	}
	return VoteMsg{Height: height, WorkerIndex: int(worker), VoterPosition: int(voter), Signature: sig}, nil
}
