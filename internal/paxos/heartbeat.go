package paxos

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// Heartbeat pings the other peers every HeartbeatInterval and raises a
// PeersDownEvent on every tick while some peer has been silent for longer
// than HeartbeatTimeout. When every peer is heard from again it raises one
// empty PeersDownEvent. A view change resets the tracking.
type Heartbeat struct {
	rt       Runtime
	peers    []protocol.Address
	lastSeen map[protocol.Address]time.Time
	reported bool
	timer    Timer
	log      *logrus.Entry
}

func NewHeartbeat(rt Runtime, peers []protocol.Address) *Heartbeat {
	h := &Heartbeat{
		rt:  rt,
		log: rt.Logger().WithField("role", "heartbeat"),
	}
	h.reset(peers)
	return h
}

func (h *Heartbeat) Start() {
	h.rt.Register(h)
	h.tick()
}

func (h *Heartbeat) Stop() {
	if h.timer != nil {
		h.timer.Cancel()
	}
	h.rt.Unregister(h)
}

func (h *Heartbeat) reset(peers []protocol.Address) {
	now := h.rt.Now()
	h.peers = protocol.SortedPeers(peers)
	h.reported = false
	h.lastSeen = make(map[protocol.Address]time.Time, len(h.peers))
	for _, p := range h.peers {
		h.lastSeen[p] = now
	}
}

func (h *Heartbeat) Receive(from protocol.Address, msg protocol.Message) {
	m, ok := msg.(protocol.Heartbeat)
	if !ok {
		return
	}
	if _, tracked := h.lastSeen[m.Sender]; tracked {
		h.lastSeen[m.Sender] = h.rt.Now()
	}
}

func (h *Heartbeat) Notify(ev Event) {
	if e, ok := ev.(ViewChangeEvent); ok {
		h.reset(e.Peers)
	}
}

// Down lists the peers that have been silent for too long.
func (h *Heartbeat) Down() []protocol.Address {
	me := h.rt.Address()
	cutoff := h.rt.Now().Add(-h.rt.Config().HeartbeatTimeout())
	var down []protocol.Address
	for _, p := range h.peers {
		if p != me && h.lastSeen[p].Before(cutoff) {
			down = append(down, p)
		}
	}
	return down
}

func (h *Heartbeat) tick() {
	me := h.rt.Address()
	h.rt.Send(withoutPeer(h.peers, me), protocol.Heartbeat{Sender: me})
	switch down := h.Down(); {
	case len(down) > 0:
		h.log.WithField("down", down).Debug("peers down")
		h.reported = true
		h.rt.Event(PeersDownEvent{Down: down})
	case h.reported:
		h.reported = false
		h.rt.Event(PeersDownEvent{})
	}
	h.timer = h.rt.SetTimer(h.rt.Config().HeartbeatInterval, h.tick)
}
