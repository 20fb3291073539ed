package paxos

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// CommanderResult is reported once per commander. When Decided is false,
// Ballot is the higher ballot that preempted it.
type CommanderResult struct {
	Decided bool
	Slot    protocol.Slot
	Ballot  protocol.Ballot
}

// Commander runs phase 2 for one slot. Its voters are the peers that were in
// force ALPHA slots earlier; learners additionally receive the DECISION.
type Commander struct {
	rt       Runtime
	id       string
	ballot   protocol.Ballot
	slot     protocol.Slot
	proposal protocol.Proposal
	peers    []protocol.Address
	learners []protocol.Address
	accepted map[protocol.Address]bool
	timer    Timer
	done     bool
	onDone   func(CommanderResult)
	log      *logrus.Entry
}

func NewCommander(rt Runtime, ballot protocol.Ballot, slot protocol.Slot, proposal protocol.Proposal,
	peers, learners []protocol.Address, onDone func(CommanderResult)) *Commander {
	id := uuid.NewString()
	return &Commander{
		rt:       rt,
		id:       id,
		ballot:   ballot,
		slot:     slot,
		proposal: proposal,
		peers:    append([]protocol.Address(nil), peers...),
		learners: protocol.SortedPeers(append(append([]protocol.Address(nil), peers...), learners...)),
		accepted: make(map[protocol.Address]bool),
		onDone:   onDone,
		log: rt.Logger().WithFields(logrus.Fields{
			"role":      "commander",
			"commander": id,
			"slot":      slot,
			"ballot":    ballot,
		}),
	}
}

func (c *Commander) ID() string { return c.id }

func (c *Commander) Slot() protocol.Slot { return c.slot }

func (c *Commander) Start() {
	c.rt.Register(c)
	c.log.WithField("proposal", c.proposal).Debug("commanding")
	c.sendAccept()
}

func (c *Commander) sendAccept() {
	var pending []protocol.Address
	for _, p := range c.peers {
		if !c.accepted[p] {
			pending = append(pending, p)
		}
	}
	c.rt.Send(pending, protocol.Accept{
		CommanderID: c.id,
		Ballot:      c.ballot,
		Slot:        c.slot,
		Proposal:    c.proposal,
	})
	c.timer = c.rt.SetTimer(c.rt.Config().AcceptRetransmit, c.sendAccept)
}

// Stop abandons the commander without reporting a result.
func (c *Commander) Stop() {
	c.done = true
	if c.timer != nil {
		c.timer.Cancel()
	}
	c.rt.Unregister(c)
}

func (c *Commander) Receive(from protocol.Address, msg protocol.Message) {
	m, ok := msg.(protocol.Accepted)
	if !ok || m.CommanderID != c.id || c.done {
		return
	}
	switch {
	case m.Ballot.Equal(c.ballot):
		if m.Acceptor != from || !protocol.ContainsPeer(c.peers, from) {
			return
		}
		c.accepted[from] = true
		if len(c.accepted) >= quorum(len(c.peers)) {
			c.decide()
		}
	case m.Ballot.GreaterThan(c.ballot):
		c.log.WithField("preempted_by", m.Ballot).Debug("preempted")
		c.Stop()
		c.onDone(CommanderResult{Slot: c.slot, Ballot: m.Ballot})
	}
}

func (c *Commander) decide() {
	c.Stop()
	c.log.WithField("proposal", c.proposal).Debug("decided")
	c.rt.Send(c.learners, protocol.Decision{Slot: c.slot, Proposal: c.proposal})
	c.rt.Event(DecisionEvent{Slot: c.slot, Proposal: c.proposal})
	c.onDone(CommanderResult{Decided: true, Slot: c.slot, Ballot: c.ballot})
}
