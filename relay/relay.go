// Package relay implements the two fan-out planners used to broadcast
// blink and pulse messages without every node talking to every other node
// (spec.md §4.C, component C):
//
//   - Subset fan-out: an originator (or any node re-relaying to an entire
//     quorum it is not a member of) picks a small, shuffled, version-sorted
//     subset of the target quorum to send to directly.
//   - Matrix fan-out: a quorum member relays to a deterministic set of
//     peers — inside its own quorum and into the paired quorum — chosen so
//     that any two quorum members are connected by at most two hops.
package relay

import (
	"math/rand"

	"github.com/tos-network/quorumd/common"
)

// DefaultFanout is the subset fan-out size used for originator
// broadcasts (spec.md §6): enough redundancy to tolerate a few
// unresponsive peers without flooding the network.
const DefaultFanout = 4

// Target is a relay destination.
type Target struct {
	Pubkey  common.PubKey
	Version [3]uint64
}

// SubsetFanout selects up to fanout targets from candidates: a
// deterministic seed derives a shuffle (so repeated calls with the same
// seed and candidate set agree), then targets are stable-sorted by
// version descending and the top fanout are kept. Preferring
// higher-version peers biases delivery toward nodes less likely to drop
// a newer message format.
func SubsetFanout(candidates []Target, seed int64, fanout int) []Target {
	if fanout <= 0 || len(candidates) == 0 {
		return nil
	}
	shuffled := make([]Target, len(candidates))
	copy(shuffled, candidates)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	stableSortByVersionDesc(shuffled)
	if fanout > len(shuffled) {
		fanout = len(shuffled)
	}
	return shuffled[:fanout]
}

func stableSortByVersionDesc(targets []Target) {
	// Insertion sort: targets is always small (subquorum size), and this
	// keeps the sort visibly stable without importing sort.SliceStable
	// for a handful of elements.
	for i := 1; i < len(targets); i++ {
		for j := i; j > 0 && versionLess(targets[j-1].Version, targets[j].Version); j-- {
			targets[j-1], targets[j] = targets[j], targets[j-1]
		}
	}
}

func versionLess(a, b [3]uint64) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// gridDims picks an exact-factor (rows, cols) layout for n positions:
// the largest divisor of n that does not exceed sqrt(n). Using an exact
// factorisation (rather than rounding up to a near-square and leaving a
// short last row) keeps every row and column the same length, so no
// position is ever left with an empty row of strong out-edges — which a
// ceil(sqrt(n)) grid can produce for n like 10 (a lone last row of one).
func gridDims(n int) (rows, cols int) {
	if n <= 0 {
		return 0, 0
	}
	rows = 1
	for d := 1; d*d <= n; d++ {
		if n%d == 0 {
			rows = d
		}
	}
	cols = n / rows
	return rows, cols
}

// QuorumOutgoingConns returns the strong intra-quorum out-edges for
// myPos in a quorum of quorumSize: every other position in the same grid
// row. A strong edge must be reached even if it means opening a new
// connection.
func QuorumOutgoingConns(myPos, quorumSize int) []int {
	if myPos < 0 || myPos >= quorumSize {
		return nil
	}
	_, cols := gridDims(quorumSize)
	selfRow := myPos / cols

	out := make([]int, 0, cols)
	for p := 0; p < quorumSize; p++ {
		if p == myPos {
			continue
		}
		if p/cols == selfRow {
			out = append(out, p)
		}
	}
	return out
}

// QuorumIncomingConns returns the opportunistic intra-quorum edges for
// myPos: every other position in the same grid column. These are sent
// only if a connection to that peer already exists — combined with
// QuorumOutgoingConns's rows, any two positions share a row or a column
// and so are connected in at most two hops.
func QuorumIncomingConns(myPos, quorumSize int) []int {
	if myPos < 0 || myPos >= quorumSize {
		return nil
	}
	rows, cols := gridDims(quorumSize)
	selfCol := myPos % cols

	out := make([]int, 0, rows)
	for p := 0; p < quorumSize; p++ {
		if p == myPos {
			continue
		}
		if p%cols == selfCol {
			out = append(out, p)
		}
	}
	return out
}

// interQuorumHalf is min(sizeQ, sizeQPrime) / 2, truncating one slot when
// odd, per spec.md §4.C.
func interQuorumHalf(sizeQ, sizeQPrime int) int {
	m := sizeQ
	if sizeQPrime < m {
		m = sizeQPrime
	}
	return m / 2
}

// InterQuorumFromBase returns, for a node at position myPos in the base
// subquorum Q (size sizeQ), the positions in the future subquorum Q'
// (size sizeQPrime) it must relay to: myPos must be in Q's upper half,
// and the target is the correspondingly indexed position within the
// lower half of Q'. Empty if myPos is not in the upper half.
func InterQuorumFromBase(myPos, sizeQ, sizeQPrime int) []int {
	half := interQuorumHalf(sizeQ, sizeQPrime)
	if half == 0 {
		return nil
	}
	upperStart := sizeQ - half
	if myPos < upperStart || myPos >= sizeQ {
		return nil
	}
	return []int{myPos - upperStart}
}

// InterQuorumFromFuture is the symmetric counterpart: a node at position
// myPos in the lower half of the future subquorum Q' relays to the
// correspondingly indexed position within Q's upper half.
func InterQuorumFromFuture(myPos, sizeQ, sizeQPrime int) []int {
	half := interQuorumHalf(sizeQ, sizeQPrime)
	if half == 0 || myPos < 0 || myPos >= half {
		return nil
	}
	return []int{sizeQ - half + myPos}
}
