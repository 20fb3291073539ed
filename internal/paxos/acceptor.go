// =============================================================================
// ACCEPTOR - The Voter
// =============================================================================
//
// The acceptor answers two questions and never asks any:
//
//   PREPARE(scout_id, b)          raise the promise to b if b is higher, then
//                                 report the promise and everything accepted
//   ACCEPT(commander_id, b, s, p) if b is not below the promise, adopt it and
//                                 accept p for (b, s); report the promise
//
// Replies always carry the acceptor's current ballot, even when unchanged.
// A reply ballot higher than the one the caller sent is how scouts and
// commanders learn they were preempted.
//
// INVARIANT: the promised ballot never decreases, and once a proposal is
// accepted for (b, s) no other proposal is ever accepted for (b, s).
//
// =============================================================================

package paxos

import (
	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
	"github.com/senutpal/multipaxos/internal/storage"
)

type Acceptor struct {
	rt    Runtime
	store storage.AcceptorStore
	log   *logrus.Entry
}

func NewAcceptor(rt Runtime, store storage.AcceptorStore) *Acceptor {
	return &Acceptor{
		rt:    rt,
		store: store,
		log:   rt.Logger().WithField("role", "acceptor"),
	}
}

func (a *Acceptor) Start() { a.rt.Register(a) }

func (a *Acceptor) Stop() {
	a.rt.Unregister(a)
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Debug("closing store")
	}
}

// Ballot returns the highest ballot this acceptor has promised.
func (a *Acceptor) Ballot() protocol.Ballot { return a.store.Promised() }

func (a *Acceptor) Accepted() []protocol.PValue { return a.store.Accepted() }

func (a *Acceptor) Receive(from protocol.Address, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Prepare:
		a.handlePrepare(from, m)
	case protocol.Accept:
		a.handleAccept(from, m)
	}
}

func (a *Acceptor) handlePrepare(from protocol.Address, m protocol.Prepare) {
	if m.Ballot.GreaterThan(a.store.Promised()) {
		if err := a.store.SavePromised(m.Ballot); err != nil {
			a.log.WithError(err).Error("saving promise")
			return
		}
	}
	a.log.WithFields(logrus.Fields{"scout": m.ScoutID, "ballot": m.Ballot, "promised": a.store.Promised()}).Debug("prepare")
	a.rt.Send([]protocol.Address{from}, protocol.Promise{
		ScoutID:  m.ScoutID,
		Acceptor: a.rt.Address(),
		Ballot:   a.store.Promised(),
		Accepted: a.store.Accepted(),
	})
}

func (a *Acceptor) handleAccept(from protocol.Address, m protocol.Accept) {
	if !m.Ballot.LessThan(a.store.Promised()) {
		if err := a.store.SavePromised(m.Ballot); err != nil {
			a.log.WithError(err).Error("saving promise")
			return
		}
		pv := protocol.PValue{Ballot: m.Ballot, Slot: m.Slot, Proposal: m.Proposal}
		if err := a.store.SaveAccepted(pv); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{"slot": m.Slot, "ballot": m.Ballot}).Error("refusing to accept")
			return
		}
	}
	a.log.WithFields(logrus.Fields{"commander": m.CommanderID, "slot": m.Slot, "ballot": m.Ballot}).Debug("accept")
	a.rt.Send([]protocol.Address{from}, protocol.Accepted{
		CommanderID: m.CommanderID,
		Acceptor:    a.rt.Address(),
		Ballot:      a.store.Promised(),
	})
}
