// =============================================================================
// NODE - The Runtime Every Role Runs On
// =============================================================================
//
// A node owns one transport endpoint and everything attached to it:
//
//   ┌──────────────────────────────────────────────────────────┐
//   │                           NODE                           │
//   │  ┌──────────┐ ┌─────────┐ ┌────────┐ ┌─────────┐         │
//   │  │ ACCEPTOR │ │ REPLICA │ │ LEADER │ │HEARTBEAT│  ...    │
//   │  └────┬─────┘ └────┬────┘ └───┬────┘ └────┬────┘         │
//   │       └────────────┴─────┬────┴───────────┘              │
//   │              dispatch table + event bus                  │
//   │                          │                               │
//   │                    ┌─────┴─────┐                         │
//   │                    │ ENDPOINT  │ messages and timers     │
//   │                    └───────────┘                         │
//   └──────────────────────────────────────────────────────────┘
//
// Every message delivered to the node is offered to every registered
// component; components ignore what they do not handle. Scouts and
// commanders come and go, so registration changes while the node runs.
//
// The endpoint runs deliveries and timer callbacks one at a time, which makes
// the node a single logical thread. Nothing in here takes a lock on the hot
// path. Calls from other goroutines (Seed, Join, Invoke) are posted onto the
// node's thread with a zero-delay timer.
//
// Message errors:
// 1. Send failures: log and continue (the network is lossy anyway)
// 2. Conflicting decisions: the replica panics and takes the node down
//
// =============================================================================

package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/config"
	"github.com/senutpal/multipaxos/internal/paxos"
	"github.com/senutpal/multipaxos/internal/protocol"
	"github.com/senutpal/multipaxos/internal/transport"
)

type Node struct {
	addr       protocol.Address
	cfg        config.Config
	endpoint   transport.Endpoint
	components []paxos.Component
	member     *paxos.Member
	seed       *paxos.Seed
	stopped    bool
	stopOnce   sync.Once
	done       chan struct{}
	log        *logrus.Entry
}

// New attaches a node to addr on t.
func New(t transport.Transport, addr protocol.Address, cfg config.Config, logger *logrus.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	n := &Node{
		cfg:  cfg,
		done: make(chan struct{}),
		log:  logger.WithField("node", addr),
	}
	ep, err := t.Listen(addr, n.dispatch)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", addr, err)
	}
	n.endpoint = ep
	n.addr = ep.Addr()
	n.log = logger.WithField("node", n.addr)
	return n, nil
}

func (n *Node) Address() protocol.Address { return n.addr }

func (n *Node) Config() config.Config { return n.cfg }

func (n *Node) Logger() *logrus.Entry { return n.log }

func (n *Node) Now() time.Time { return n.endpoint.Now() }

func (n *Node) Send(to []protocol.Address, msg protocol.Message) {
	if n.stopped {
		return
	}
	for _, addr := range to {
		if err := n.endpoint.Send(addr, msg); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{"to": addr, "type": msg.Type()}).Warn("send failed")
		}
	}
}

type timer struct {
	t transport.Timer
}

func (t timer) Cancel() { t.t.Stop() }

func (n *Node) SetTimer(d time.Duration, fn func()) paxos.Timer {
	return timer{t: n.endpoint.AfterFunc(d, func() {
		if !n.stopped {
			fn()
		}
	})}
}

func (n *Node) Register(c paxos.Component) {
	for _, existing := range n.components {
		if existing == c {
			return
		}
	}
	n.components = append(n.components, c)
}

func (n *Node) Unregister(c paxos.Component) {
	for i, existing := range n.components {
		if existing == c {
			n.components = append(n.components[:i:i], n.components[i+1:]...)
			return
		}
	}
}

func (n *Node) registered(c paxos.Component) bool {
	for _, existing := range n.components {
		if existing == c {
			return true
		}
	}
	return false
}

// snapshot copies the dispatch table so handlers may register and
// unregister while a message is being dispatched.
func (n *Node) snapshot() []paxos.Component {
	return append([]paxos.Component(nil), n.components...)
}

func (n *Node) dispatch(env protocol.Envelope) {
	if n.stopped {
		return
	}
	n.log.WithFields(logrus.Fields{"from": env.From, "type": env.Message.Type()}).Trace("received")
	for _, c := range n.snapshot() {
		if n.stopped {
			return
		}
		if n.registered(c) {
			c.Receive(env.From, env.Message)
		}
	}
}

func (n *Node) Event(ev paxos.Event) {
	for _, c := range n.snapshot() {
		if n.stopped {
			return
		}
		h, ok := c.(paxos.EventHandler)
		if ok && n.registered(c) {
			h.Notify(ev)
		}
	}
}

// Terminate stops every component and closes the endpoint. It is safe to
// call from inside a handler.
func (n *Node) Terminate() {
	n.stopOnce.Do(func() {
		n.log.Info("terminating")
		for _, c := range n.snapshot() {
			c.Stop()
		}
		n.components = nil
		n.stopped = true
		if err := n.endpoint.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			n.log.WithError(err).Warn("closing endpoint")
		}
		close(n.done)
	})
}

// Stop terminates the node from outside its thread.
func (n *Node) Stop() {
	n.post(n.Terminate)
}

// Done is closed once the node has terminated.
func (n *Node) Done() <-chan struct{} { return n.done }

func (n *Node) Stopped() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Founded reports whether this node seeded a cluster that is now running.
func (n *Node) Founded() bool { return n.seed != nil && n.seed.Founded() }

// Member returns the roles of a node that has joined the cluster, or nil.
func (n *Node) Member() *paxos.Member { return n.member }

func (n *Node) post(fn func()) {
	n.endpoint.AfterFunc(0, fn)
}

// Seed makes this node found a new cluster once size nodes ask to join.
// Sizes below MinPeers found a cluster of MinPeers.
func (n *Node) Seed(initialState []byte, size int) {
	n.post(func() {
		n.seed = paxos.NewSeed(n, initialState, size)
		n.seed.Start()
	})
}

// Join makes this node ask the candidates for admission. Once welcomed it
// runs execute as its state machine.
func (n *Node) Join(candidates []protocol.Address, execute paxos.ExecuteFunc) {
	n.post(func() {
		b := paxos.NewBootstrap(n, candidates, func(snap protocol.Welcome) {
			n.member = paxos.StartMember(n, execute, snap)
		})
		b.Start()
	})
}

// Invoke submits input to the cluster as a client and calls onReply with
// the output once a replica answers.
func (n *Node) Invoke(replicas []protocol.Address, clientID int64, input []byte, onReply func(output []byte)) {
	n.post(func() {
		paxos.NewRequest(n, clientID, input, replicas, onReply).Start()
	})
}
