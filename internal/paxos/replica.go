// =============================================================================
// REPLICA - The Replicated Log and the Application State
// =============================================================================
//
// The replica turns client invocations into numbered proposals, hands them to
// a leader and applies decisions to the state machine strictly in slot
// order:
//
//   INVOKE ──▶ proposals[next_slot] ──PROPOSE──▶ leader
//   DECISION(slot) ──▶ decisions[slot]
//   while decisions[slot_num] exists: commit it, slot_num++
//
// View changes are decided like any other proposal. One committed at slot k
// governs voting from slot k+ALPHA on, which is why the replica keeps a peer
// history and never proposes new values below k+ALPHA once it learns of it.
//
// INVARIANT: a slot is decided at most once. A second, different decision
// for a slot is a correctness bug and panics with *ConflictError.
//
// =============================================================================

package paxos

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

type Replica struct {
	rt      Runtime
	execute ExecuteFunc

	state     []byte
	slotNum   protocol.Slot
	nextSlot  protocol.Slot
	decisions map[protocol.Slot]protocol.Proposal
	proposals map[protocol.Slot]protocol.Proposal
	viewID    int64
	peers     []protocol.Address
	history   protocol.PeerHistory

	// committed maps a proposal key to the slot it was applied at, replies
	// keeps the output of every applied client request.
	committed map[string]protocol.Slot
	replies   map[string][]byte
	down      map[protocol.Address]bool

	catchupTimer Timer
	removed      bool
	stopped      bool
	log          *logrus.Entry
}

// NewReplica builds a replica from a WELCOME snapshot.
func NewReplica(rt Runtime, execute ExecuteFunc, snap protocol.Welcome) *Replica {
	r := &Replica{
		rt:        rt,
		execute:   execute,
		state:     append([]byte(nil), snap.State...),
		slotNum:   snap.SlotNum,
		nextSlot:  snap.SlotNum,
		decisions: make(map[protocol.Slot]protocol.Proposal, len(snap.Decisions)),
		proposals: make(map[protocol.Slot]protocol.Proposal),
		viewID:    snap.ViewID,
		peers:     protocol.SortedPeers(snap.Peers),
		history:   snap.PeerHistory.Clone(),
		committed: make(map[string]protocol.Slot),
		replies:   make(map[string][]byte),
		down:      make(map[protocol.Address]bool),
		log:       rt.Logger().WithField("role", "replica"),
	}
	for slot, p := range snap.Decisions {
		r.decisions[slot] = p
		if slot < r.slotNum {
			if key := p.Key(); key != "" {
				if prev, ok := r.committed[key]; !ok || slot < prev {
					r.committed[key] = slot
				}
			}
		}
		if slot >= r.nextSlot {
			r.nextSlot = slot + 1
		}
	}
	return r
}

func (r *Replica) Start() {
	r.rt.Register(r)
	r.commitReady()
	r.scheduleCatchup()
}

func (r *Replica) Stop() {
	r.stopped = true
	if r.catchupTimer != nil {
		r.catchupTimer.Cancel()
	}
	r.rt.Unregister(r)
}

// State returns a copy of the application state.
func (r *Replica) State() []byte { return append([]byte(nil), r.state...) }

func (r *Replica) SlotNum() protocol.Slot  { return r.slotNum }
func (r *Replica) NextSlot() protocol.Slot { return r.nextSlot }
func (r *Replica) ViewID() int64           { return r.viewID }

func (r *Replica) Peers() []protocol.Address {
	return append([]protocol.Address(nil), r.peers...)
}

// Decision returns the proposal decided for slot, if known.
func (r *Replica) Decision(slot protocol.Slot) (protocol.Proposal, bool) {
	p, ok := r.decisions[slot]
	return p, ok
}

// Snapshot captures everything a joining node needs.
func (r *Replica) Snapshot() protocol.Welcome {
	decisions := make(map[protocol.Slot]protocol.Proposal, len(r.decisions))
	for slot, p := range r.decisions {
		decisions[slot] = p
	}
	return protocol.Welcome{
		State:       r.State(),
		SlotNum:     r.slotNum,
		Decisions:   decisions,
		ViewID:      r.viewID,
		Peers:       r.Peers(),
		PeerHistory: r.history.Clone(),
	}
}

func (r *Replica) Receive(from protocol.Address, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Invoke:
		r.handleInvoke(m)
	case protocol.Join:
		r.handleJoin(m)
	case protocol.Decision:
		r.handleDecision(m.Slot, m.Proposal)
	case protocol.Catchup:
		r.handleCatchup(m)
	}
}

func (r *Replica) Notify(ev Event) {
	switch e := ev.(type) {
	case DecisionEvent:
		r.handleDecision(e.Slot, e.Proposal)
	case PeersDownEvent:
		r.onPeersDown(e.Down)
	}
}

func (r *Replica) handleInvoke(m protocol.Invoke) {
	p := protocol.Proposal{Caller: m.Caller, ClientID: m.ClientID, Input: m.Input}
	if out, ok := r.replies[p.Key()]; ok {
		r.reply(p, out)
		return
	}
	if r.pending(p) {
		return
	}
	r.propose(p, 0)
}

func (r *Replica) handleJoin(m protocol.Join) {
	if protocol.ContainsPeer(r.peers, m.Requester) {
		// The requester is a member already; its WELCOME got lost.
		r.rt.Send([]protocol.Address{m.Requester}, r.Snapshot())
		return
	}
	vc := protocol.NewViewChange(r.viewID+1, append(r.Peers(), m.Requester))
	p := protocol.Proposal{ViewChange: vc}
	if r.pending(p) {
		return
	}
	r.log.WithFields(logrus.Fields{"requester": m.Requester, "view": vc.ViewID}).Info("proposing join")
	r.propose(p, 0)
}

func (r *Replica) handleCatchup(m protocol.Catchup) {
	if p, ok := r.decisions[m.Slot]; ok {
		r.rt.Send([]protocol.Address{m.Sender}, protocol.Decision{Slot: m.Slot, Proposal: p})
	}
}

func (r *Replica) handleDecision(slot protocol.Slot, p protocol.Proposal) {
	if r.stopped {
		return
	}
	if existing, ok := r.decisions[slot]; ok {
		if !existing.Equal(p) {
			err := &ConflictError{Slot: slot, Existing: existing, Incoming: p}
			r.log.WithError(err).Error("protocol invariant violated")
			panic(err)
		}
		return
	}
	r.decisions[slot] = p
	if r.nextSlot <= slot {
		r.nextSlot = slot + 1
	}

	ours, proposed := r.proposals[slot]
	if proposed {
		delete(r.proposals, slot)
	}

	r.commitReady()

	// Another value won the slot we proposed for; try again elsewhere.
	if proposed && !ours.Equal(p) && !ours.IsNoop() && !r.stopped {
		if _, done := r.committed[ours.Key()]; !done && !r.pending(ours) {
			r.propose(ours, 0)
		}
	}
}

func (r *Replica) commitReady() {
	for !r.stopped {
		p, ok := r.decisions[r.slotNum]
		if !ok {
			break
		}
		slot := r.slotNum
		r.commit(slot, p)
		r.history[slot] = r.Peers()
		r.slotNum++
		r.history.Prune(r.slotNum - protocol.Slot(r.rt.Config().Alpha))
		r.rt.Event(CommitEvent{Slot: slot, Proposal: p})
		r.rt.Event(PeerHistoryEvent{History: r.history.Clone()})
		if r.removed {
			r.log.WithField("view", r.viewID).Info("removed from the view, terminating")
			r.rt.Terminate()
			return
		}
	}
}

func (r *Replica) commit(slot protocol.Slot, p protocol.Proposal) {
	key := p.Key()
	if key != "" {
		if prev, dup := r.committed[key]; dup && prev < slot {
			r.log.WithFields(logrus.Fields{"slot": slot, "first": prev, "proposal": p}).Debug("skipping duplicate")
			if out, ok := r.replies[key]; ok {
				r.reply(p, out)
			}
			return
		}
		r.committed[key] = slot
	}

	switch {
	case p.IsViewChange():
		r.commitViewChange(slot, p.ViewChange)
	case p.Caller != "":
		state, out := r.execute(r.state, p.Input)
		r.state = state
		r.replies[key] = out
		r.log.WithFields(logrus.Fields{"slot": slot, "caller": p.Caller, "client_id": p.ClientID}).Debug("committed")
		r.reply(p, out)
	}
}

func (r *Replica) commitViewChange(slot protocol.Slot, vc *protocol.ViewChange) {
	if vc.ViewID != r.viewID+1 {
		r.log.WithFields(logrus.Fields{"slot": slot, "view": r.viewID, "proposed": vc.ViewID}).Debug("ignoring out-of-sequence view change")
		return
	}
	old := r.peers
	r.viewID = vc.ViewID
	r.peers = protocol.SortedPeers(vc.Peers)
	r.down = make(map[protocol.Address]bool)
	if next := slot + protocol.Slot(r.rt.Config().Alpha); r.nextSlot < next {
		r.nextSlot = next
	}
	r.log.WithFields(logrus.Fields{"slot": slot, "view": r.viewID, "peers": r.peers}).Info("view adopted")

	var joined []protocol.Address
	for _, p := range r.peers {
		if !protocol.ContainsPeer(old, p) {
			joined = append(joined, p)
		}
	}
	r.rt.Event(ViewChangeEvent{ViewID: r.viewID, Peers: r.Peers(), Slot: slot})
	if len(joined) > 0 {
		// Deferred so the snapshot reflects the whole commit run.
		r.rt.SetTimer(0, func() { r.welcome(joined) })
	}
	if !protocol.ContainsPeer(r.peers, r.rt.Address()) {
		r.removed = true
	}
}

func (r *Replica) welcome(to []protocol.Address) {
	if r.stopped {
		return
	}
	r.log.WithField("peers", to).Info("welcoming")
	r.rt.Send(to, r.Snapshot())
}

func (r *Replica) onPeersDown(down []protocol.Address) {
	r.down = make(map[protocol.Address]bool, len(down))
	for _, p := range down {
		r.down[p] = true
	}
	for _, p := range r.proposals {
		if p.IsViewChange() {
			return
		}
	}
	var alive []protocol.Address
	for _, p := range r.peers {
		if !r.down[p] {
			alive = append(alive, p)
		}
	}
	if len(alive) == len(r.peers) {
		return
	}
	if len(alive) < r.rt.Config().MinPeers {
		r.log.WithFields(logrus.Fields{"down": down, "alive": len(alive)}).Debug("too few peers left to reconfigure")
		return
	}
	vc := protocol.NewViewChange(r.viewID+1, alive)
	r.log.WithFields(logrus.Fields{"down": down, "view": vc.ViewID}).Info("proposing removal of failed peers")
	r.propose(protocol.Proposal{ViewChange: vc}, 0)
}

func (r *Replica) pending(p protocol.Proposal) bool {
	for _, q := range r.proposals {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

// propose sends p for slot; slot 0 takes the next free slot.
func (r *Replica) propose(p protocol.Proposal, slot protocol.Slot) {
	if slot == 0 {
		slot = r.nextSlot
		r.nextSlot++
	}
	r.proposals[slot] = p
	leader := r.pickLeader()
	if leader == "" {
		return
	}
	r.rt.Send([]protocol.Address{leader}, protocol.Propose{Slot: slot, Proposal: p})
}

// pickLeader prefers the primary of the current view, then the other peers
// in order after it, skipping peers believed down.
func (r *Replica) pickLeader() protocol.Address {
	if len(r.peers) == 0 {
		return ""
	}
	primary := protocol.Primary(r.viewID, r.peers)
	start := sort.Search(len(r.peers), func(i int) bool { return r.peers[i] >= primary })
	for i := 0; i < len(r.peers); i++ {
		candidate := r.peers[(start+i)%len(r.peers)]
		if !r.down[candidate] {
			return candidate
		}
	}
	return primary
}

func (r *Replica) scheduleCatchup() {
	r.catchupTimer = r.rt.SetTimer(r.rt.Config().CatchupInterval, r.catchup)
}

// catchup re-requests every undecided slot below next_slot and re-proposes
// it, with a no-op when this replica has nothing of its own there.
func (r *Replica) catchup() {
	if r.stopped {
		return
	}
	others := withoutPeer(r.peers, r.rt.Address())
	for slot := r.slotNum; slot < r.nextSlot; slot++ {
		if _, ok := r.decisions[slot]; ok {
			continue
		}
		r.rt.Send(others, protocol.Catchup{Slot: slot, Sender: r.rt.Address()})
		p, ok := r.proposals[slot]
		if !ok {
			p = protocol.Noop
		}
		r.propose(p, slot)
	}
	r.scheduleCatchup()
}

func (r *Replica) reply(p protocol.Proposal, out []byte) {
	if p.Caller == "" {
		return
	}
	r.rt.Send([]protocol.Address{p.Caller}, protocol.Invoked{ClientID: p.ClientID, Output: out})
}
