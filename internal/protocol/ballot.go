// =============================================================================
// BALLOT NUMBERS - The Ordering of Leadership Attempts
// =============================================================================
//
// A ballot is the tuple (view, round, leader). Ballots are totally ordered
// lexicographically: a later view always wins, then a higher round, and the
// leader address breaks ties so that no two leaders ever hold the same
// ballot.
//
//   (1, 0, "a") < (1, 0, "b") < (1, 1, "a") < (2, 0, "a")
//
// INVARIANT: an acceptor never moves its ballot backwards. Everything that
// consumes ballots relies on Compare being a strict total order.
//
// =============================================================================

package protocol

import "fmt"

// Address identifies a node on the network.
type Address string

// Slot is a position in the replicated log. Slot 0 is the founding
// pseudo-slot; client operations start at slot 1.
type Slot int64

type Ballot struct {
	View   int64   `json:"view"`
	Round  int64   `json:"round"`
	Leader Address `json:"leader"`
}

// Compare returns -1, 0 or 1 depending on whether b is lower than, equal to or
// higher than other.
func (b Ballot) Compare(other Ballot) int {
	switch {
	case b.View != other.View:
		return cmpInt64(b.View, other.View)
	case b.Round != other.Round:
		return cmpInt64(b.Round, other.Round)
	case b.Leader < other.Leader:
		return -1
	case b.Leader > other.Leader:
		return 1
	}
	return 0
}

func (b Ballot) LessThan(other Ballot) bool    { return b.Compare(other) < 0 }
func (b Ballot) GreaterThan(other Ballot) bool { return b.Compare(other) > 0 }
func (b Ballot) Equal(other Ballot) bool       { return b.Compare(other) == 0 }

// Successor returns the smallest ballot owned by me that beats both b and
// observed.
func (b Ballot) Successor(observed Ballot, me Address) Ballot {
	if observed.View > b.View {
		return Ballot{View: observed.View, Round: observed.Round + 1, Leader: me}
	}
	round := b.Round
	if observed.View == b.View && observed.Round > round {
		round = observed.Round
	}
	return Ballot{View: b.View, Round: round + 1, Leader: me}
}

func (b Ballot) String() string {
	return fmt.Sprintf("(view=%d, round=%d, leader=%s)", b.View, b.Round, b.Leader)
}

func cmpInt64(a, b int64) int {
	if a < b {
		return -1
	}
	return 1
}
