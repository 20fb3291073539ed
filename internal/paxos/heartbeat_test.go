package paxos

import (
	"testing"

	"github.com/senutpal/multipaxos/internal/protocol"
)

func TestHeartbeatReportsSilentPeers(t *testing.T) {
	rt := newFakeRuntime("a")
	h := NewHeartbeat(rt, testPeers)
	h.Start()

	beats := sentOf[protocol.Heartbeat](rt)
	if len(beats) != 1 || !protocol.SamePeers(beats[0].to, []protocol.Address{"b", "c"}) {
		t.Fatalf("unexpected heartbeats: %+v", beats)
	}

	interval := rt.cfg.HeartbeatInterval
	for i := 0; i < rt.cfg.HeartbeatGoneCount; i++ {
		rt.now = rt.now.Add(interval)
		rt.deliver("b", protocol.Heartbeat{Sender: "b"})
		rt.fire()
	}
	if evs := eventsOf[PeersDownEvent](rt); len(evs) != 0 {
		t.Fatalf("reported down before the timeout: %+v", evs)
	}

	rt.now = rt.now.Add(interval)
	rt.deliver("b", protocol.Heartbeat{Sender: "b"})
	rt.fire()
	evs := eventsOf[PeersDownEvent](rt)
	if len(evs) != 1 || len(evs[0].Down) != 1 || evs[0].Down[0] != "c" {
		t.Fatalf("down events: %+v", evs)
	}

	// Reported on every tick until the view changes.
	rt.now = rt.now.Add(interval)
	rt.fire()
	if got := len(eventsOf[PeersDownEvent](rt)); got != 2 {
		t.Errorf("got %d down events, want 2", got)
	}

	rt.Event(ViewChangeEvent{ViewID: 2, Peers: []protocol.Address{"a", "b"}})
	rt.clear()
	rt.now = rt.now.Add(interval)
	rt.fire()
	if evs := eventsOf[PeersDownEvent](rt); len(evs) != 0 {
		t.Errorf("down events after view change: %+v", evs)
	}
	if beats := sentOf[protocol.Heartbeat](rt); len(beats) != 1 || !protocol.SamePeers(beats[0].to, []protocol.Address{"b"}) {
		t.Errorf("heartbeats after view change: %+v", beats)
	}
}

func TestHeartbeatIgnoresStrangers(t *testing.T) {
	rt := newFakeRuntime("a")
	h := NewHeartbeat(rt, testPeers)
	h.Start()
	rt.deliver("z", protocol.Heartbeat{Sender: "z"})
	rt.now = rt.now.Add(rt.cfg.HeartbeatTimeout() * 2)
	for _, p := range h.Down() {
		if p == "z" {
			t.Errorf("stranger tracked as a peer")
		}
	}
}
