package paxos

import (
	"testing"

	"github.com/senutpal/multipaxos/internal/protocol"
)

func TestSeedFoundsClusterAtMinPeers(t *testing.T) {
	rt := newFakeRuntime("seed")
	s := NewSeed(rt, []byte("0"), 0)
	s.Start()

	rt.deliver("x", protocol.Join{Requester: "x"})
	rt.deliver("y", protocol.Join{Requester: "y"})
	rt.deliver("y", protocol.Join{Requester: "y"})
	if s.Founded() || len(rt.sent) != 0 {
		t.Fatalf("founded before %d peers joined", rt.cfg.MinPeers)
	}

	rt.deliver("z", protocol.Join{Requester: "z"})
	welcomes := sentOf[protocol.Welcome](rt)
	if len(welcomes) != 1 {
		t.Fatalf("got %d WELCOME, want 1", len(welcomes))
	}
	w := welcomes[0]
	peers := []protocol.Address{"x", "y", "z"}
	if !protocol.SamePeers(w.to, peers) || !protocol.SamePeers(w.msg.Peers, peers) {
		t.Errorf("welcomed %v into %v", w.to, w.msg.Peers)
	}
	if w.msg.ViewID != 1 || w.msg.SlotNum != 1 || len(w.msg.Decisions) != 0 || string(w.msg.State) != "0" {
		t.Errorf("unexpected founding snapshot: %+v", w.msg)
	}
	if voters, ok := w.msg.PeerHistory.VotersFor(1, rt.cfg.Alpha); !ok || !protocol.SamePeers(voters, peers) {
		t.Errorf("founding history %v", w.msg.PeerHistory)
	}

	rt.clear()
	rt.deliver("y", protocol.Join{Requester: "y"})
	rt.deliver("w", protocol.Join{Requester: "w"})
	welcomes = sentOf[protocol.Welcome](rt)
	if len(welcomes) != 1 || welcomes[0].to[0] != "y" {
		t.Errorf("late joins: %+v", welcomes)
	}
}

func TestSeedWaitsForFoundingSize(t *testing.T) {
	rt := newFakeRuntime("seed")
	s := NewSeed(rt, []byte("0"), 5)
	s.Start()

	peers := []protocol.Address{"n1", "n2", "n3", "n4", "n5"}
	for _, p := range peers[:rt.cfg.MinPeers] {
		rt.deliver(p, protocol.Join{Requester: p})
	}
	if s.Founded() {
		t.Fatalf("founded with %d of 5 peers", rt.cfg.MinPeers)
	}
	for _, p := range peers[rt.cfg.MinPeers:] {
		rt.deliver(p, protocol.Join{Requester: p})
	}
	welcomes := sentOf[protocol.Welcome](rt)
	if len(welcomes) != 1 || !protocol.SamePeers(welcomes[0].msg.Peers, peers) {
		t.Fatalf("welcomes: %+v", welcomes)
	}
	if voters, ok := welcomes[0].msg.PeerHistory.VotersFor(1, rt.cfg.Alpha); !ok || len(voters) != 5 {
		t.Errorf("founding voters %v", voters)
	}
}

func TestBootstrapRotatesUntilWelcomed(t *testing.T) {
	rt := newFakeRuntime("d")
	var got []protocol.Welcome
	b := NewBootstrap(rt, []protocol.Address{"b", "a", "d"}, func(w protocol.Welcome) { got = append(got, w) })
	b.Start()
	rt.fire()
	rt.fire()

	joins := sentOf[protocol.Join](rt)
	var targets []protocol.Address
	for _, j := range joins {
		if j.msg.Requester != "d" {
			t.Errorf("JOIN on behalf of %s", j.msg.Requester)
		}
		targets = append(targets, j.to...)
	}
	if want := []protocol.Address{"a", "b", "a"}; len(targets) != 3 || targets[0] != want[0] || targets[1] != want[1] || targets[2] != want[2] {
		t.Errorf("JOIN targets %v, want %v", targets, want)
	}

	snap := founding("a", "b", "c", "d")
	rt.deliver("a", snap)
	rt.deliver("b", snap)
	if len(got) != 1 || got[0].ViewID != 1 {
		t.Errorf("welcome callbacks: %+v", got)
	}
	if rt.pendingTimers() != 0 {
		t.Errorf("bootstrap kept retransmitting after WELCOME")
	}
}

func TestStartMemberWiresRoles(t *testing.T) {
	rt := newFakeRuntime("b")
	m := StartMember(rt, increment, founding(testPeers...))

	if !m.Leader.Scouting() {
		t.Errorf("primary member did not scout")
	}
	prep := lastPrepare(t, rt)
	// Our own acceptor answers our own scout.
	rt.deliver("b", prep)
	if promises := sentOf[protocol.Promise](rt); len(promises) != 1 || promises[0].msg.Acceptor != "b" {
		t.Errorf("promises: %+v", promises)
	}

	m.Stop()
	if len(rt.components) != 0 {
		t.Errorf("%d components still registered after Stop", len(rt.components))
	}
}
