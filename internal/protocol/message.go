// =============================================================================
// WIRE MESSAGES
// =============================================================================
//
// Every message exchanged between nodes. Phase 1 and phase 2 of Paxos travel
// between scouts/commanders and acceptors:
//
//   Scout ──── PREPARE(scout_id, ballot) ───────────────▶ Acceptor
//         ◀─── PROMISE(scout_id, acceptor, ballot, accepted)
//
//   Commander ── ACCEPT(commander_id, ballot, slot, proposal) ──▶ Acceptor
//             ◀─ ACCEPTED(commander_id, acceptor, ballot)
//
// Replicas talk to leaders with PROPOSE, learn outcomes through DECISION and
// repair holes with CATCHUP. JOIN/WELCOME onboard new nodes, INVOKE/INVOKED
// are the client contract and HEARTBEAT feeds failure detection.
//
// Field names (json tags) are the wire contract.
//
// =============================================================================

package protocol

type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypePrepare
	TypePromise
	TypeAccept
	TypeAccepted
	TypePropose
	TypeDecision
	TypeCatchup
	TypeJoin
	TypeWelcome
	TypeInvoke
	TypeInvoked
	TypeHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case TypePrepare:
		return "PREPARE"
	case TypePromise:
		return "PROMISE"
	case TypeAccept:
		return "ACCEPT"
	case TypeAccepted:
		return "ACCEPTED"
	case TypePropose:
		return "PROPOSE"
	case TypeDecision:
		return "DECISION"
	case TypeCatchup:
		return "CATCHUP"
	case TypeJoin:
		return "JOIN"
	case TypeWelcome:
		return "WELCOME"
	case TypeInvoke:
		return "INVOKE"
	case TypeInvoked:
		return "INVOKED"
	case TypeHeartbeat:
		return "HEARTBEAT"
	}
	return "INVALID"
}

// ParseMessageType is the inverse of MessageType.String.
func ParseMessageType(s string) MessageType {
	for t := TypePrepare; t <= TypeHeartbeat; t++ {
		if t.String() == s {
			return t
		}
	}
	return TypeInvalid
}

// Message is implemented by every wire message.
type Message interface {
	Type() MessageType
}

type Prepare struct {
	ScoutID string `json:"scout_id"`
	Ballot  Ballot `json:"ballot_num"`
}

func (Prepare) Type() MessageType { return TypePrepare }

type Promise struct {
	ScoutID  string   `json:"scout_id"`
	Acceptor Address  `json:"acceptor"`
	Ballot   Ballot   `json:"ballot_num"`
	Accepted []PValue `json:"accepted"`
}

func (Promise) Type() MessageType { return TypePromise }

type Accept struct {
	CommanderID string   `json:"commander_id"`
	Ballot      Ballot   `json:"ballot_num"`
	Slot        Slot     `json:"slot"`
	Proposal    Proposal `json:"proposal"`
}

func (Accept) Type() MessageType { return TypeAccept }

type Accepted struct {
	CommanderID string  `json:"commander_id"`
	Acceptor    Address `json:"acceptor"`
	Ballot      Ballot  `json:"ballot_num"`
}

func (Accepted) Type() MessageType { return TypeAccepted }

type Propose struct {
	Slot     Slot     `json:"slot"`
	Proposal Proposal `json:"proposal"`
}

func (Propose) Type() MessageType { return TypePropose }

type Decision struct {
	Slot     Slot     `json:"slot"`
	Proposal Proposal `json:"proposal"`
}

func (Decision) Type() MessageType { return TypeDecision }

type Catchup struct {
	Slot   Slot    `json:"slot"`
	Sender Address `json:"sender"`
}

func (Catchup) Type() MessageType { return TypeCatchup }

type Join struct {
	Requester Address `json:"requester"`
}

func (Join) Type() MessageType { return TypeJoin }

// Welcome carries a full replica snapshot to a node entering the cluster.
type Welcome struct {
	State       []byte            `json:"state"`
	SlotNum     Slot              `json:"slot_num"`
	Decisions   map[Slot]Proposal `json:"decisions"`
	ViewID      int64             `json:"view_id"`
	Peers       []Address         `json:"peers"`
	PeerHistory PeerHistory       `json:"peer_history"`
}

func (Welcome) Type() MessageType { return TypeWelcome }

type Invoke struct {
	Caller   Address `json:"caller"`
	ClientID int64   `json:"client_id"`
	Input    []byte  `json:"input_value"`
}

func (Invoke) Type() MessageType { return TypeInvoke }

type Invoked struct {
	ClientID int64  `json:"client_id"`
	Output   []byte `json:"output"`
}

func (Invoked) Type() MessageType { return TypeInvoked }

type Heartbeat struct {
	Sender Address `json:"sender"`
}

func (Heartbeat) Type() MessageType { return TypeHeartbeat }
