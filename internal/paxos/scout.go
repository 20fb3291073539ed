package paxos

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// ScoutResult is reported once per scout. When Adopted is false, Ballot is
// the higher ballot that preempted it.
type ScoutResult struct {
	Adopted bool
	Ballot  protocol.Ballot
	PValues []protocol.PValue
}

// Scout runs phase 1 for one ballot over a fixed peer set.
type Scout struct {
	rt       Runtime
	id       string
	ballot   protocol.Ballot
	peers    []protocol.Address
	promised map[protocol.Address]bool
	pvals    map[pvalueKey]protocol.PValue
	timer    Timer
	done     bool
	onDone   func(ScoutResult)
	log      *logrus.Entry
}

type pvalueKey struct {
	ballot protocol.Ballot
	slot   protocol.Slot
}

func NewScout(rt Runtime, ballot protocol.Ballot, peers []protocol.Address, onDone func(ScoutResult)) *Scout {
	id := uuid.NewString()
	return &Scout{
		rt:       rt,
		id:       id,
		ballot:   ballot,
		peers:    append([]protocol.Address(nil), peers...),
		promised: make(map[protocol.Address]bool),
		pvals:    make(map[pvalueKey]protocol.PValue),
		onDone:   onDone,
		log:      rt.Logger().WithFields(logrus.Fields{"role": "scout", "scout": id, "ballot": ballot}),
	}
}

func (s *Scout) ID() string { return s.id }

func (s *Scout) Ballot() protocol.Ballot { return s.ballot }

func (s *Scout) Start() {
	s.rt.Register(s)
	s.log.Debug("scouting")
	s.sendPrepare()
}

func (s *Scout) sendPrepare() {
	s.rt.Send(s.peers, protocol.Prepare{ScoutID: s.id, Ballot: s.ballot})
	s.timer = s.rt.SetTimer(s.rt.Config().PrepareRetransmit, s.sendPrepare)
}

// Stop abandons the scout without reporting a result.
func (s *Scout) Stop() {
	s.done = true
	if s.timer != nil {
		s.timer.Cancel()
	}
	s.rt.Unregister(s)
}

func (s *Scout) Receive(from protocol.Address, msg protocol.Message) {
	m, ok := msg.(protocol.Promise)
	if !ok || m.ScoutID != s.id || s.done {
		return
	}
	switch {
	case m.Ballot.Equal(s.ballot):
		// Count the transport's sender, and only when it speaks for itself.
		if m.Acceptor != from || !protocol.ContainsPeer(s.peers, from) {
			return
		}
		for _, pv := range m.Accepted {
			s.pvals[pvalueKey{ballot: pv.Ballot, slot: pv.Slot}] = pv
		}
		s.promised[from] = true
		if len(s.promised) >= quorum(len(s.peers)) {
			s.finish(ScoutResult{Adopted: true, Ballot: s.ballot, PValues: s.pvalues()})
		}
	case m.Ballot.GreaterThan(s.ballot):
		s.log.WithField("preempted_by", m.Ballot).Debug("preempted")
		s.finish(ScoutResult{Ballot: m.Ballot})
	}
}

func (s *Scout) finish(res ScoutResult) {
	s.Stop()
	s.onDone(res)
}

func (s *Scout) pvalues() []protocol.PValue {
	out := make([]protocol.PValue, 0, len(s.pvals))
	for _, pv := range s.pvals {
		out = append(out, pv)
	}
	return out
}
