// Package paxos implements the roles of a Multi-Paxos replicated state
// machine with dynamic membership: Acceptor, Scout, Commander, Leader and
// Replica, plus the Heartbeat failure detector and the Bootstrap/Seed join
// protocol.
//
// Every role is a message handler attached to a node Runtime. The runtime
// calls handlers one at a time, so no role takes locks; all waiting is done
// by sending messages and arming timers.
package paxos

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/config"
	"github.com/senutpal/multipaxos/internal/protocol"
)

// Runtime is the node a component is attached to.
type Runtime interface {
	Address() protocol.Address
	Config() config.Config
	Logger() *logrus.Entry
	Now() time.Time
	// Send is fire and forget; delivery is not guaranteed.
	Send(to []protocol.Address, msg protocol.Message)
	SetTimer(d time.Duration, fn func()) Timer
	Register(c Component)
	Unregister(c Component)
	// Event publishes ev synchronously to every registered EventHandler.
	Event(ev Event)
	// Terminate stops every component and detaches the node from the
	// network.
	Terminate()
}

type Timer interface {
	Cancel()
}

// Component receives every message delivered to its node. Messages it has
// no use for are ignored.
type Component interface {
	Receive(from protocol.Address, msg protocol.Message)
	Stop()
}

// EventHandler is implemented by components that listen to node-local
// events.
type EventHandler interface {
	Notify(ev Event)
}

// ExecuteFunc is the application state machine. It must be deterministic:
// every replica applies the same inputs in the same order and has to reach
// the same state.
type ExecuteFunc func(state, input []byte) (newState, output []byte)

type EventKind uint8

const (
	EventViewChange EventKind = iota + 1
	EventPeersDown
	EventDecision
	EventCommit
	EventPeerHistory
)

func (k EventKind) String() string {
	switch k {
	case EventViewChange:
		return "view_change"
	case EventPeersDown:
		return "peers_down"
	case EventDecision:
		return "decision"
	case EventCommit:
		return "commit"
	case EventPeerHistory:
		return "update_peer_history"
	}
	return "unknown"
}

type Event interface {
	Kind() EventKind
}

// ViewChangeEvent announces a membership the local replica just adopted.
type ViewChangeEvent struct {
	ViewID int64
	Peers  []protocol.Address
	Slot   protocol.Slot
}

func (ViewChangeEvent) Kind() EventKind { return EventViewChange }

// PeersDownEvent lists the peers the heartbeat has not heard from lately.
type PeersDownEvent struct {
	Down []protocol.Address
}

func (PeersDownEvent) Kind() EventKind { return EventPeersDown }

// DecisionEvent is raised by a commander that reached a quorum, so the local
// replica learns the decision even if its own DECISION message is lost.
type DecisionEvent struct {
	Slot     protocol.Slot
	Proposal protocol.Proposal
}

func (DecisionEvent) Kind() EventKind { return EventDecision }

// CommitEvent follows every slot the local replica applies.
type CommitEvent struct {
	Slot     protocol.Slot
	Proposal protocol.Proposal
}

func (CommitEvent) Kind() EventKind { return EventCommit }

// PeerHistoryEvent carries a private copy of the replica's peer history.
type PeerHistoryEvent struct {
	History protocol.PeerHistory
}

func (PeerHistoryEvent) Kind() EventKind { return EventPeerHistory }

func withoutPeer(peers []protocol.Address, addr protocol.Address) []protocol.Address {
	out := make([]protocol.Address, 0, len(peers))
	for _, p := range peers {
		if p != addr {
			out = append(out, p)
		}
	}
	return out
}

func quorum(n int) int {
	return n/2 + 1
}
