package node

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/app"
	"github.com/senutpal/multipaxos/internal/config"
	"github.com/senutpal/multipaxos/internal/protocol"
	"github.com/senutpal/multipaxos/internal/transport"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type cluster struct {
	t        *testing.T
	net      *transport.Network
	cfg      config.Config
	seed     *Node
	client   *Node
	members  map[protocol.Address]*Node
	clientID int64
}

// newCluster founds a cluster of size nodes named n1..nN running the counter
// state machine.
func newCluster(t *testing.T, opts transport.Options, size int) *cluster {
	t.Helper()
	cfg := config.Default()
	c := &cluster{
		t:       t,
		net:     transport.NewNetwork(opts, nil),
		cfg:     cfg,
		members: make(map[protocol.Address]*Node),
	}
	c.seed = c.newNode("seed")
	c.seed.Seed([]byte("0"), size)
	c.client = c.newNode("client")

	for i := 1; i <= size; i++ {
		c.join(protocol.Address(fmt.Sprintf("n%d", i)), []protocol.Address{"seed"})
	}
	if !c.net.RunUntil(func() bool { return c.joined() == size }, 30*time.Second) {
		t.Fatalf("only %d of %d nodes joined", c.joined(), size)
	}
	return c
}

func (c *cluster) newNode(addr protocol.Address) *Node {
	c.t.Helper()
	n, err := New(c.net, addr, c.cfg, nil)
	if err != nil {
		c.t.Fatalf("New(%s): %v", addr, err)
	}
	return n
}

func (c *cluster) join(addr protocol.Address, candidates []protocol.Address) *Node {
	n := c.newNode(addr)
	n.Join(candidates, app.Counter)
	c.members[addr] = n
	return n
}

func (c *cluster) joined() int {
	count := 0
	for _, n := range c.members {
		if n.Member() != nil {
			count++
		}
	}
	return count
}

func (c *cluster) addrs() []protocol.Address {
	out := make([]protocol.Address, 0, len(c.members))
	for addr := range c.members {
		out = append(out, addr)
	}
	return protocol.SortedPeers(out)
}

// invoke runs one client request to completion and returns its output.
func (c *cluster) invoke(limit time.Duration) string {
	c.t.Helper()
	c.clientID++
	var out []byte
	done := false
	c.client.Invoke(c.addrs(), c.clientID, []byte("inc"), func(o []byte) {
		out, done = o, true
	})
	if !c.net.RunUntil(func() bool { return done }, limit) {
		c.t.Fatalf("request %d never completed", c.clientID)
	}
	return string(out)
}

func (c *cluster) live() []*Node {
	var out []*Node
	for _, addr := range c.addrs() {
		if n := c.members[addr]; !n.Stopped() && n.Member() != nil {
			out = append(out, n)
		}
	}
	return out
}

func (c *cluster) converged(nodes []*Node, state string) func() bool {
	return func() bool {
		for _, n := range nodes {
			if string(n.Member().Replica.State()) != state {
				return false
			}
		}
		return true
	}
}

// checkAgreement fails if two replicas committed different proposals for
// the same slot.
func (c *cluster) checkAgreement() {
	c.t.Helper()
	nodes := c.live()
	for _, a := range nodes {
		for _, b := range nodes {
			ra, rb := a.Member().Replica, b.Member().Replica
			limit := ra.SlotNum()
			if rb.SlotNum() < limit {
				limit = rb.SlotNum()
			}
			for slot := protocol.Slot(1); slot < limit; slot++ {
				pa, okA := ra.Decision(slot)
				pb, okB := rb.Decision(slot)
				if okA && okB && !pa.Equal(pb) {
					c.t.Errorf("slot %d: %s committed %v, %s committed %v", slot, a.Address(), pa, b.Address(), pb)
				}
			}
		}
	}
}

func TestCounterEndToEnd(t *testing.T) {
	c := newCluster(t, transport.DefaultOptions(), 3)

	for want := 0; want < 5; want++ {
		if got := c.invoke(30 * time.Second); got != fmt.Sprint(want) {
			t.Fatalf("invoke %d returned %q", want, got)
		}
	}
	if !c.net.RunUntil(c.converged(c.live(), "5"), 10*time.Second) {
		for _, n := range c.live() {
			t.Errorf("%s: state %s", n.Address(), n.Member().Replica.State())
		}
	}
	c.checkAgreement()
}

func TestAgreementUnderLossAndDuplication(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Seed = 99
	opts.DropRate = 0.1
	opts.DuplicateRate = 0.1
	c := newCluster(t, opts, 3)

	for want := 0; want < 10; want++ {
		if got := c.invoke(2 * time.Minute); got != fmt.Sprint(want) {
			t.Fatalf("invoke %d returned %q", want, got)
		}
	}
	// The last decision may never have reached every replica; one more
	// request over a clean network pulls stragglers along.
	c.net.SetMessageLoss(0)
	if got := c.invoke(time.Minute); got != "10" {
		t.Fatalf("final invoke returned %q", got)
	}
	if !c.net.RunUntil(c.converged(c.live(), "11"), time.Minute) {
		t.Errorf("replicas did not converge")
	}
	c.checkAgreement()
}

func TestLaggingReplicaCatchesUp(t *testing.T) {
	c := newCluster(t, transport.DefaultOptions(), 3)
	for i := 0; i < 3; i++ {
		c.invoke(30 * time.Second)
	}

	// n2 leads view 1; cut off a follower.
	heal := c.net.Isolate("n3")
	for i := 0; i < 3; i++ {
		c.invoke(30 * time.Second)
	}
	lagging := c.members["n3"].Member().Replica
	if string(lagging.State()) == "6" {
		t.Fatalf("isolated replica kept up")
	}
	heal()

	c.invoke(30 * time.Second)
	if !c.net.RunUntil(c.converged(c.live(), "7"), 30*time.Second) {
		t.Errorf("n3 stuck at state %s", lagging.State())
	}
	c.checkAgreement()
}

func TestNodeJoinsRunningCluster(t *testing.T) {
	c := newCluster(t, transport.DefaultOptions(), 3)
	for i := 0; i < 2; i++ {
		c.invoke(30 * time.Second)
	}

	n4 := c.join("n4", []protocol.Address{"n1", "n2", "n3"})
	want := []protocol.Address{"n1", "n2", "n3", "n4"}
	inView := func() bool {
		if n4.Member() == nil {
			return false
		}
		for _, n := range c.live() {
			r := n.Member().Replica
			if r.ViewID() != 2 || !protocol.SamePeers(r.Peers(), want) {
				return false
			}
		}
		return true
	}
	if !c.net.RunUntil(inView, time.Minute) {
		t.Fatalf("cluster never converged on %v", want)
	}
	if got := string(n4.Member().Replica.State()); got != "2" {
		t.Errorf("n4 joined with state %s, want 2", got)
	}

	for want := 2; want < 5; want++ {
		if got := c.invoke(time.Minute); got != fmt.Sprint(want) {
			t.Fatalf("invoke after join returned %q, want %d", got, want)
		}
	}
	if !c.net.RunUntil(c.converged(c.live(), "5"), 30*time.Second) {
		t.Errorf("n4 did not keep up: state %s", n4.Member().Replica.State())
	}
	c.checkAgreement()
}

func TestLeaderLossTriggersNewView(t *testing.T) {
	c := newCluster(t, transport.DefaultOptions(), 5)
	if got := c.invoke(30 * time.Second); got != "0" {
		t.Fatalf("first invoke returned %q", got)
	}

	// n2 leads view 1 of n1..n5.
	c.net.Isolate("n2")
	if got := c.invoke(2 * time.Minute); got != "1" {
		t.Fatalf("invoke after leader loss returned %q", got)
	}

	rest := []*Node{c.members["n1"], c.members["n3"], c.members["n4"], c.members["n5"]}
	dropped := func() bool {
		for _, n := range rest {
			if protocol.ContainsPeer(n.Member().Replica.Peers(), "n2") {
				return false
			}
		}
		return true
	}
	if !c.net.RunUntil(dropped, time.Minute) {
		t.Errorf("n2 was never removed from the view")
	}
	if got := c.invoke(time.Minute); got != "2" {
		t.Fatalf("invoke in the new view returned %q", got)
	}
	var active int
	for _, n := range rest {
		if n.Member().Leader.Active() {
			active++
		}
	}
	if active == 0 {
		t.Errorf("no leader active after the view change")
	}
	c.checkAgreement()
}

func TestRemovedNodeTerminates(t *testing.T) {
	c := newCluster(t, transport.DefaultOptions(), 4)
	c.invoke(30 * time.Second)

	heal := c.net.Isolate("n4")
	c.invoke(2 * time.Minute)
	removed := func() bool {
		return !protocol.ContainsPeer(c.members["n1"].Member().Replica.Peers(), "n4")
	}
	if !c.net.RunUntil(removed, time.Minute) {
		t.Fatalf("n4 was never removed")
	}

	// Nobody talks to a removed node. A request sent to it makes its
	// catch-up pull the view change, after which it shuts down.
	heal()
	c.client.Invoke([]protocol.Address{"n4"}, 1000, []byte("inc"), func([]byte) {})
	if !c.net.RunUntil(c.members["n4"].Stopped, 2*time.Minute) {
		t.Errorf("removed node is still running")
	}
}

func TestStopDetachesNode(t *testing.T) {
	net := transport.NewNetwork(transport.DefaultOptions(), nil)
	n, err := New(net, "a", config.Default(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Stop()
	if !net.RunUntil(n.Stopped, time.Second) {
		t.Fatalf("node did not stop")
	}
	select {
	case <-n.Done():
	default:
		t.Errorf("Done not closed")
	}
	if _, err := New(net, "a", config.Default(), nil); err != nil {
		t.Errorf("address not released after stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Alpha = 0
	if _, err := New(transport.NewNetwork(transport.DefaultOptions(), nil), "a", cfg, nil); err == nil {
		t.Errorf("accepted alpha 0")
	}
}

func TestUDPCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("real sockets and timers")
	}
	cfg := config.Default()
	cfg.PrepareRetransmit = 50 * time.Millisecond
	cfg.AcceptRetransmit = 50 * time.Millisecond
	cfg.JoinRetransmit = 50 * time.Millisecond
	cfg.InvokeRetransmit = 100 * time.Millisecond
	cfg.CatchupInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatGoneCount = 20

	udp := transport.NewUDP(nil)
	start := func() *Node {
		n, err := New(udp, "127.0.0.1:0", cfg, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(n.Stop)
		return n
	}

	seed := start()
	seed.Seed([]byte("0"), 3)
	var replicas []protocol.Address
	for i := 0; i < 3; i++ {
		n := start()
		n.Join([]protocol.Address{seed.Address()}, app.Counter)
		replicas = append(replicas, n.Address())
	}

	client := start()
	for want := 0; want < 3; want++ {
		reply := make(chan string, 1)
		client.Invoke(replicas, int64(want+1), nil, func(out []byte) { reply <- string(out) })
		select {
		case got := <-reply:
			if got != fmt.Sprint(want) {
				t.Fatalf("invoke %d returned %q", want, got)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("invoke %d timed out", want)
		}
	}
}
