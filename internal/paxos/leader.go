// =============================================================================
// LEADER - Driving Slots to Decision
// =============================================================================
//
//   inactive ──(primary, view change or PROPOSE)──▶ scouting
//   scouting ──(adopted)──▶ active ──(preempted or view change)──▶ inactive
//   scouting ──(preempted)──▶ inactive, re-scout at once if primary
//
// An active leader owns a ballot a quorum promised to, and spawns one
// commander per proposed slot. On adoption it must re-drive every proposal a
// quorum reported, keeping for each slot the one with the highest ballot;
// anything else could overwrite a value that was already chosen.
//
// Within one ballot a slot is only ever given one proposal.
//
// =============================================================================

package paxos

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

type Leader struct {
	rt         Runtime
	ballot     protocol.Ballot
	active     bool
	proposals  map[protocol.Slot]protocol.Proposal
	commanders map[protocol.Slot]*Commander
	scout      *Scout
	viewID     int64
	peers      []protocol.Address
	history    protocol.PeerHistory
	// decided holds slots a commander of ours got chosen but the local
	// replica has not committed yet.
	decided map[protocol.Slot]bool
	// floor is the first slot the local replica has not committed yet.
	floor protocol.Slot
	log   *logrus.Entry
}

func NewLeader(rt Runtime, viewID int64, peers []protocol.Address, history protocol.PeerHistory, floor protocol.Slot) *Leader {
	return &Leader{
		rt:         rt,
		ballot:     protocol.Ballot{View: viewID, Round: 0, Leader: rt.Address()},
		proposals:  make(map[protocol.Slot]protocol.Proposal),
		commanders: make(map[protocol.Slot]*Commander),
		decided:    make(map[protocol.Slot]bool),
		viewID:     viewID,
		peers:      protocol.SortedPeers(peers),
		history:    history.Clone(),
		floor:      floor,
		log:        rt.Logger().WithField("role", "leader"),
	}
}

func (l *Leader) Start() {
	l.rt.Register(l)
	if l.isPrimary() {
		l.spawnScout()
	}
}

func (l *Leader) Stop() {
	l.stopScout()
	l.stopCommanders()
	l.rt.Unregister(l)
}

func (l *Leader) Active() bool { return l.active }

func (l *Leader) Ballot() protocol.Ballot { return l.ballot }

func (l *Leader) Scouting() bool { return l.scout != nil }

func (l *Leader) isPrimary() bool {
	return protocol.Primary(l.viewID, l.peers) == l.rt.Address()
}

func (l *Leader) Receive(from protocol.Address, msg protocol.Message) {
	if m, ok := msg.(protocol.Propose); ok {
		l.handlePropose(m)
	}
}

func (l *Leader) Notify(ev Event) {
	switch e := ev.(type) {
	case ViewChangeEvent:
		l.onViewChange(e)
	case PeerHistoryEvent:
		l.history = e.History
		l.drivePending()
	case CommitEvent:
		l.onCommit(e.Slot)
	}
}

func (l *Leader) handlePropose(m protocol.Propose) {
	if m.Slot < l.floor {
		return
	}
	_, known := l.proposals[m.Slot]
	switch {
	case l.active:
		if known {
			// Keep the value already bound to this slot under our ballot.
			if l.commanders[m.Slot] == nil && !l.decided[m.Slot] {
				l.spawnCommander(m.Slot, l.proposals[m.Slot])
			}
			return
		}
		if _, ok := l.history.VotersFor(m.Slot, l.rt.Config().Alpha); !ok {
			l.log.WithField("slot", m.Slot).Debug("no peer history for slot yet, dropping proposal")
			return
		}
		l.proposals[m.Slot] = m.Proposal
		l.spawnCommander(m.Slot, m.Proposal)
	case l.scout == nil:
		if !known {
			l.proposals[m.Slot] = m.Proposal
		}
		l.spawnScout()
	}
}

func (l *Leader) onViewChange(e ViewChangeEvent) {
	l.viewID = e.ViewID
	l.peers = protocol.SortedPeers(e.Peers)
	l.stopScout()
	if l.active {
		l.log.WithField("view", e.ViewID).Debug("view changed, giving up leadership")
	}
	l.active = false
	l.stopCommanders()
	if e.ViewID > l.ballot.View {
		l.ballot = protocol.Ballot{View: e.ViewID, Round: 0, Leader: l.rt.Address()}
	} else {
		l.ballot = l.ballot.Successor(l.ballot, l.rt.Address())
	}
	if l.isPrimary() {
		l.spawnScout()
	}
}

func (l *Leader) onCommit(slot protocol.Slot) {
	if slot+1 <= l.floor {
		return
	}
	l.floor = slot + 1
	for s := range l.proposals {
		if s < l.floor {
			delete(l.proposals, s)
			delete(l.decided, s)
		}
	}
	for s, c := range l.commanders {
		if s < l.floor {
			c.Stop()
			delete(l.commanders, s)
		}
	}
}

func (l *Leader) spawnScout() {
	if l.scout != nil {
		return
	}
	var s *Scout
	s = NewScout(l.rt, l.ballot, l.peers, func(res ScoutResult) { l.scoutFinished(s, res) })
	l.scout = s
	s.Start()
}

func (l *Leader) stopScout() {
	if l.scout != nil {
		l.scout.Stop()
		l.scout = nil
	}
}

func (l *Leader) scoutFinished(s *Scout, res ScoutResult) {
	if l.scout != s {
		return
	}
	l.scout = nil
	if !res.Adopted {
		l.preempted(res.Ballot)
		return
	}

	// For each slot keep only the proposal accepted under the highest ballot.
	best := make(map[protocol.Slot]protocol.PValue)
	for _, pv := range res.PValues {
		if cur, ok := best[pv.Slot]; !ok || pv.Ballot.GreaterThan(cur.Ballot) {
			best[pv.Slot] = pv
		}
	}
	for slot, pv := range best {
		if slot >= l.floor {
			l.proposals[slot] = pv.Proposal
		}
	}

	l.active = true
	l.log.WithFields(logrus.Fields{"ballot": l.ballot, "slots": len(l.proposals)}).Info("leader active")
	l.drivePending()
}

// drivePending spawns a commander for every proposal that has none, once
// the voters of its slot are known. Slots further ahead wait for the next
// peer history update.
func (l *Leader) drivePending() {
	if !l.active {
		return
	}
	slots := make([]protocol.Slot, 0, len(l.proposals))
	for slot := range l.proposals {
		if l.commanders[slot] == nil && !l.decided[slot] {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	for _, slot := range slots {
		l.spawnCommander(slot, l.proposals[slot])
	}
}

func (l *Leader) spawnCommander(slot protocol.Slot, p protocol.Proposal) {
	voters, ok := l.history.VotersFor(slot, l.rt.Config().Alpha)
	if !ok {
		return
	}
	if old, ok := l.commanders[slot]; ok {
		old.Stop()
	}
	var c *Commander
	c = NewCommander(l.rt, l.ballot, slot, p, voters, l.peers, func(res CommanderResult) { l.commanderFinished(c, res) })
	l.commanders[slot] = c
	c.Start()
}

func (l *Leader) stopCommanders() {
	for slot, c := range l.commanders {
		c.Stop()
		delete(l.commanders, slot)
	}
}

func (l *Leader) commanderFinished(c *Commander, res CommanderResult) {
	if l.commanders[res.Slot] != c {
		return
	}
	delete(l.commanders, res.Slot)
	if res.Decided {
		l.decided[res.Slot] = true
		return
	}
	l.preempted(res.Ballot)
}

func (l *Leader) preempted(by protocol.Ballot) {
	l.log.WithFields(logrus.Fields{"ballot": l.ballot, "preempted_by": by}).Debug("preempted")
	l.active = false
	l.stopCommanders()
	if !by.LessThan(l.ballot) {
		l.ballot = l.ballot.Successor(by, l.rt.Address())
	}
	if l.isPrimary() {
		l.spawnScout()
	}
}
