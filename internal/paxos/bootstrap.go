// =============================================================================
// BOOTSTRAP and SEED - Entering the Cluster
// =============================================================================
//
// A node that is not a member yet runs a Bootstrap. It knocks on candidate
// peers with JOIN, one at a time in rotation, until some replica answers
// with a WELCOME snapshot:
//
//   Bootstrap ── JOIN(requester) ──▶ Replica (proposes a view change)
//             ◀─ WELCOME(snapshot) ─ every replica, once it is committed
//
// A brand-new cluster has no replica to answer. The Seed stands in for one:
// it collects requesters until the founding size is reached, then welcomes
// them all into view 1.
//
// =============================================================================

package paxos

import (
	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

type Bootstrap struct {
	rt         Runtime
	candidates []protocol.Address
	next       int
	onWelcome  func(protocol.Welcome)
	timer      Timer
	done       bool
	log        *logrus.Entry
}

// NewBootstrap joins through candidates and calls onWelcome with the first
// snapshot received.
func NewBootstrap(rt Runtime, candidates []protocol.Address, onWelcome func(protocol.Welcome)) *Bootstrap {
	return &Bootstrap{
		rt:         rt,
		candidates: withoutPeer(protocol.SortedPeers(candidates), rt.Address()),
		onWelcome:  onWelcome,
		log:        rt.Logger().WithField("role", "bootstrap"),
	}
}

func (b *Bootstrap) Start() {
	b.rt.Register(b)
	b.sendJoin()
}

func (b *Bootstrap) Stop() {
	b.done = true
	if b.timer != nil {
		b.timer.Cancel()
	}
	b.rt.Unregister(b)
}

func (b *Bootstrap) sendJoin() {
	if len(b.candidates) > 0 {
		to := b.candidates[b.next%len(b.candidates)]
		b.next++
		b.log.WithField("to", to).Debug("joining")
		b.rt.Send([]protocol.Address{to}, protocol.Join{Requester: b.rt.Address()})
	}
	b.timer = b.rt.SetTimer(b.rt.Config().JoinRetransmit, b.sendJoin)
}

func (b *Bootstrap) Receive(from protocol.Address, msg protocol.Message) {
	m, ok := msg.(protocol.Welcome)
	if !ok || b.done {
		return
	}
	b.Stop()
	b.onWelcome(m)
}

// Seed founds a cluster. It is not a member itself.
type Seed struct {
	rt      Runtime
	state   []byte
	size    int
	joined  []protocol.Address
	welcome *protocol.Welcome
	log     *logrus.Entry
}

// NewSeed founds a cluster of the first size requesters. Sizes below
// MinPeers are raised to MinPeers.
func NewSeed(rt Runtime, initialState []byte, size int) *Seed {
	if size < rt.Config().MinPeers {
		size = rt.Config().MinPeers
	}
	return &Seed{
		rt:    rt,
		state: append([]byte(nil), initialState...),
		size:  size,
		log:   rt.Logger().WithField("role", "seed"),
	}
}

func (s *Seed) Start() { s.rt.Register(s) }

func (s *Seed) Stop() { s.rt.Unregister(s) }

// Founded reports whether the founding WELCOME has gone out.
func (s *Seed) Founded() bool { return s.welcome != nil }

func (s *Seed) Receive(from protocol.Address, msg protocol.Message) {
	m, ok := msg.(protocol.Join)
	if !ok {
		return
	}
	if s.welcome != nil {
		if protocol.ContainsPeer(s.welcome.Peers, m.Requester) {
			s.rt.Send([]protocol.Address{m.Requester}, *s.welcome)
			return
		}
		s.log.WithField("requester", m.Requester).Debug("cluster already founded, join through a member")
		return
	}
	if !protocol.ContainsPeer(s.joined, m.Requester) {
		s.joined = append(s.joined, m.Requester)
		s.log.WithFields(logrus.Fields{"requester": m.Requester, "joined": len(s.joined)}).Debug("join buffered")
	}
	if len(s.joined) < s.size {
		return
	}

	peers := protocol.SortedPeers(s.joined)
	s.welcome = &protocol.Welcome{
		State:       s.state,
		SlotNum:     1,
		Decisions:   map[protocol.Slot]protocol.Proposal{},
		ViewID:      1,
		Peers:       peers,
		PeerHistory: protocol.PeerHistory{0: peers},
	}
	s.log.WithField("peers", peers).Info("founding cluster")
	s.rt.Send(peers, *s.welcome)
}
