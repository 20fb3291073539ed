// =============================================================================
// DEMO RUNNER - A Replicated Counter on a Simulated Network
// =============================================================================
//
// Runs a whole cluster inside one process on the deterministic network:
//
//   1. a seed founds a cluster of -nodes members
//   2. a client increments the counter -ops times, one request at a time
//   3. a new member joins and catches up from the WELCOME snapshot
//   4. the primary is cut off; the rest reconfigure and keep serving
//   5. every replica reports its state, view and peers
//
// Run with: go run ./cmd/demo -v
//
// The same -seed always produces the same run.
//
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/senutpal/multipaxos/internal/app"
	"github.com/senutpal/multipaxos/internal/config"
	"github.com/senutpal/multipaxos/internal/node"
	"github.com/senutpal/multipaxos/internal/protocol"
	"github.com/senutpal/multipaxos/internal/transport"
)

func init() {
	log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
}

type demo struct {
	net      *transport.Network
	cfg      config.Config
	members  map[protocol.Address]*node.Node
	client   *node.Node
	clientID int64
}

func (d *demo) start(addr protocol.Address) *node.Node {
	n, err := node.New(d.net, addr, d.cfg, log.StandardLogger())
	if err != nil {
		log.WithError(err).Fatal("starting node")
	}
	return n
}

func (d *demo) join(addr protocol.Address, candidates []protocol.Address) {
	n := d.start(addr)
	n.Join(candidates, app.Counter)
	d.members[addr] = n
}

func (d *demo) addrs() []protocol.Address {
	var out []protocol.Address
	for addr := range d.members {
		out = append(out, addr)
	}
	return protocol.SortedPeers(out)
}

func (d *demo) runUntil(what string, cond func() bool) {
	if !d.net.RunUntil(cond, 5*time.Minute) {
		log.Fatalf("System: timed out waiting for %s", what)
	}
}

func (d *demo) invoke() string {
	d.clientID++
	var out []byte
	done := false
	d.client.Invoke(d.addrs(), d.clientID, []byte("inc"), func(o []byte) { out, done = o, true })
	d.runUntil(fmt.Sprintf("request %d", d.clientID), func() bool { return done })
	return string(out)
}

func main() {
	var (
		nodes   = flag.Int("nodes", 5, "founding cluster size")
		ops     = flag.Int("ops", 5, "increments before and after each membership change")
		seed    = flag.Int64("seed", 1, "network randomness seed")
		loss    = flag.Float64("loss", 0.05, "message loss probability")
		dup     = flag.Float64("dup", 0.05, "message duplication probability")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts := transport.DefaultOptions()
	opts.Seed = *seed
	opts.DropRate = *loss
	opts.DuplicateRate = *dup

	d := &demo{
		net:     transport.NewNetwork(opts, log.StandardLogger()),
		cfg:     config.Default(),
		members: make(map[protocol.Address]*node.Node),
	}
	if *nodes < d.cfg.MinPeers {
		fmt.Fprintf(os.Stderr, "need at least %d nodes\n", d.cfg.MinPeers)
		os.Exit(2)
	}

	seedNode := d.start("seed")
	seedNode.Seed([]byte("0"), *nodes)
	d.client = d.start("client")
	for i := 1; i <= *nodes; i++ {
		d.join(protocol.Address(fmt.Sprintf("node-%d", i)), []protocol.Address{"seed"})
	}
	d.runUntil("the cluster to form", func() bool {
		for _, n := range d.members {
			if n.Member() == nil {
				return false
			}
		}
		return true
	})
	log.Infof("System: cluster of %d formed", *nodes)

	for i := 0; i < *ops; i++ {
		log.Infof("System: increment returned %s", d.invoke())
	}

	newcomer := protocol.Address(fmt.Sprintf("node-%d", *nodes+1))
	d.join(newcomer, d.addrs())
	d.runUntil("the newcomer", func() bool { return d.members[newcomer].Member() != nil })
	log.Infof("System: %s joined with state %s", newcomer, d.members[newcomer].Member().Replica.State())

	primary := protocol.Primary(d.members["node-1"].Member().Replica.ViewID(), d.members["node-1"].Member().Replica.Peers())
	d.net.Isolate(primary)
	log.Infof("System: isolated primary %s", primary)
	for i := 0; i < *ops; i++ {
		log.Infof("System: increment returned %s", d.invoke())
	}

	d.net.SetMessageLoss(0)
	d.invoke()
	d.runUntil("replicas to settle", func() bool {
		var want string
		for addr, n := range d.members {
			if addr == primary || n.Stopped() {
				continue
			}
			state := string(n.Member().Replica.State())
			if want == "" {
				want = state
			}
			if state != want {
				return false
			}
		}
		return true
	})

	for _, addr := range d.addrs() {
		n := d.members[addr]
		if n.Stopped() {
			log.Infof("System: %s terminated", addr)
			continue
		}
		r := n.Member().Replica
		log.WithFields(log.Fields{
			"state":    string(r.State()),
			"view":     r.ViewID(),
			"slot_num": r.SlotNum(),
			"peers":    r.Peers(),
		}).Infof("System: %s", addr)
	}
	stats := d.net.Stats()
	log.Infof("System: %d messages sent, %d dropped, %d delivered", stats.Sent, stats.Dropped, stats.Delivered)
}
