package protocol

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// ViewChange is the reconfiguration marker carried by a proposal. Peers are
// kept sorted so that equal memberships compare equal.
type ViewChange struct {
	ViewID int64     `json:"view_id"`
	Peers  []Address `json:"peers"`
}

func NewViewChange(viewID int64, peers []Address) *ViewChange {
	return &ViewChange{ViewID: viewID, Peers: SortedPeers(peers)}
}

func (v *ViewChange) Equal(other *ViewChange) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.ViewID == other.ViewID && SamePeers(v.Peers, other.Peers)
}

func (v *ViewChange) String() string {
	return fmt.Sprintf("ViewChange(%d, %v)", v.ViewID, v.Peers)
}

// Proposal is the value decided for a slot: either an application input
// submitted by Caller, a view change, or a no-op used to fill holes.
type Proposal struct {
	Caller     Address     `json:"caller,omitempty"`
	ClientID   int64       `json:"client_id,omitempty"`
	Input      []byte      `json:"input,omitempty"`
	ViewChange *ViewChange `json:"view_change,omitempty"`
}

// Noop is the placeholder proposed for slots nobody else claimed.
var Noop = Proposal{}

func (p Proposal) IsViewChange() bool { return p.ViewChange != nil }

func (p Proposal) IsNoop() bool {
	return p.Caller == "" && p.ViewChange == nil && len(p.Input) == 0
}

func (p Proposal) Equal(other Proposal) bool {
	return p.Caller == other.Caller &&
		p.ClientID == other.ClientID &&
		bytes.Equal(p.Input, other.Input) &&
		p.ViewChange.Equal(other.ViewChange)
}

// Key identifies a proposal across retries. Two proposals with the same key
// describe the same request; no-ops have no key.
func (p Proposal) Key() string {
	switch {
	case p.ViewChange != nil:
		return fmt.Sprintf("view/%d/%s", p.ViewChange.ViewID, joinPeers(p.ViewChange.Peers))
	case p.Caller != "":
		return fmt.Sprintf("invoke/%s/%d", p.Caller, p.ClientID)
	}
	return ""
}

func (p Proposal) String() string {
	switch {
	case p.ViewChange != nil:
		return p.ViewChange.String()
	case p.IsNoop():
		return "Noop"
	}
	return fmt.Sprintf("Proposal(%s, %d, %q)", p.Caller, p.ClientID, p.Input)
}

// PValue is a proposal an acceptor accepted under a ballot for a slot.
type PValue struct {
	Ballot   Ballot   `json:"ballot"`
	Slot     Slot     `json:"slot"`
	Proposal Proposal `json:"proposal"`
}

// SortedPeers returns a sorted, de-duplicated copy of peers.
func SortedPeers(peers []Address) []Address {
	seen := make(map[Address]bool, len(peers))
	out := make([]Address, 0, len(peers))
	for _, p := range peers {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SamePeers compares two peer lists as sets.
func SamePeers(a, b []Address) bool {
	a, b = SortedPeers(a), SortedPeers(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ContainsPeer(peers []Address, addr Address) bool {
	for _, p := range peers {
		if p == addr {
			return true
		}
	}
	return false
}

// Primary is the node entitled to lead the given view.
func Primary(viewID int64, peers []Address) Address {
	sorted := SortedPeers(peers)
	if len(sorted) == 0 {
		return ""
	}
	idx := viewID % int64(len(sorted))
	if idx < 0 {
		idx += int64(len(sorted))
	}
	return sorted[idx]
}

func joinPeers(peers []Address) string {
	parts := make([]string, len(peers))
	for i, p := range peers {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
