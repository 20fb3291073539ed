package transport

import (
	"container/heap"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// Options shapes the simulated network. The same options and seed always
// produce the same run.
type Options struct {
	Seed          int64
	MinDelay      time.Duration
	MaxDelay      time.Duration
	DropRate      float64
	DuplicateRate float64
}

func DefaultOptions() Options {
	return Options{
		Seed:     1,
		MinDelay: time.Millisecond,
		MaxDelay: 10 * time.Millisecond,
	}
}

// Filter decides whether a message is dropped. It runs at send time.
type Filter func(from, to protocol.Address, msg protocol.Message) bool

type Stats struct {
	Sent      int
	Dropped   int
	Delivered int
}

// Network is an in-process transport driven by a virtual clock. Nothing
// happens until the owner calls Run, RunUntil or Step; every delivery and
// timer then runs on that goroutine in a reproducible order.
type Network struct {
	mu        sync.Mutex
	opts      Options
	rng       *rand.Rand
	now       time.Time
	seq       uint64
	queue     eventQueue
	endpoints map[protocol.Address]*memoryEndpoint
	filters   map[int]Filter
	nextID    int
	stats     Stats
	log       *logrus.Entry
}

func NewNetwork(opts Options, logger *logrus.Logger) *Network {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	return &Network{
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		now:       time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		endpoints: make(map[protocol.Address]*memoryEndpoint),
		filters:   make(map[int]Filter),
		log:       logger.WithField("transport", "memory"),
	}
}

func (n *Network) Listen(addr protocol.Address, deliver DeliverFunc) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddressInUse)
	}
	ep := &memoryEndpoint{net: n, addr: addr, deliver: deliver}
	n.endpoints[addr] = ep
	return ep, nil
}

// Now is the current virtual time.
func (n *Network) Now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// AddFilter installs f and returns a function that removes it again.
func (n *Network) AddFilter(f Filter) (remove func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.filters[id] = f
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.filters, id)
	}
}

// Isolate drops every message to or from addr until the returned function
// is called.
func (n *Network) Isolate(addr protocol.Address) (heal func()) {
	return n.AddFilter(func(from, to protocol.Address, _ protocol.Message) bool {
		return from == addr || to == addr
	})
}

// Heal removes every filter.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters = make(map[int]Filter)
}

func (n *Network) SetMessageLoss(probability float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opts.DropRate = probability
}

// Step runs the next pending event. It reports false when nothing is
// scheduled.
func (n *Network) Step() bool {
	ev := n.pop(time.Time{})
	if ev == nil {
		return false
	}
	ev.fn()
	return true
}

// Run processes events for d of virtual time.
func (n *Network) Run(d time.Duration) {
	n.RunUntil(func() bool { return false }, d)
}

// RunUntil processes events until cond holds or limit of virtual time has
// passed, and reports whether cond held.
func (n *Network) RunUntil(cond func() bool, limit time.Duration) bool {
	deadline := n.Now().Add(limit)
	for {
		if cond() {
			return true
		}
		ev := n.pop(deadline)
		if ev == nil {
			break
		}
		ev.fn()
	}
	n.mu.Lock()
	if n.now.Before(deadline) {
		n.now = deadline
	}
	n.mu.Unlock()
	return cond()
}

// pop removes the next live event due no later than deadline (a zero
// deadline means no limit) and advances the clock to it.
func (n *Network) pop(deadline time.Time) *event {
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.queue.Len() > 0 {
		next := n.queue[0]
		if !deadline.IsZero() && next.at.After(deadline) {
			return nil
		}
		heap.Pop(&n.queue)
		if next.stopped {
			continue
		}
		next.fired = true
		if next.at.After(n.now) {
			n.now = next.at
		}
		return next
	}
	return nil
}

func (n *Network) schedule(d time.Duration, fn func()) *event {
	if d < 0 {
		d = 0
	}
	n.seq++
	ev := &event{at: n.now.Add(d), seq: n.seq, fn: fn}
	heap.Push(&n.queue, ev)
	return ev
}

func (n *Network) delay() time.Duration {
	spread := n.opts.MaxDelay - n.opts.MinDelay
	if spread <= 0 {
		return n.opts.MinDelay
	}
	return n.opts.MinDelay + time.Duration(n.rng.Int63n(int64(spread)+1))
}

func (n *Network) send(from, to protocol.Address, msg protocol.Message) error {
	data, err := protocol.Marshal(protocol.Envelope{From: from, Message: msg})
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.Sent++
	for _, f := range n.filters {
		if f(from, to, msg) {
			n.stats.Dropped++
			return nil
		}
	}
	if n.opts.DropRate > 0 && n.rng.Float64() < n.opts.DropRate {
		n.stats.Dropped++
		return nil
	}
	copies := 1
	if n.opts.DuplicateRate > 0 && n.rng.Float64() < n.opts.DuplicateRate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		n.schedule(n.delay(), func() { n.deliver(to, data) })
	}
	return nil
}

func (n *Network) deliver(to protocol.Address, data []byte) {
	n.mu.Lock()
	ep, ok := n.endpoints[to]
	if ok {
		n.stats.Delivered++
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	env, err := protocol.Unmarshal(data)
	if err != nil {
		n.log.WithError(err).Warn("dropping undecodable message")
		return
	}
	ep.deliver(env)
}

type memoryEndpoint struct {
	net     *Network
	addr    protocol.Address
	deliver DeliverFunc
	closed  bool
}

func (e *memoryEndpoint) Addr() protocol.Address { return e.addr }

func (e *memoryEndpoint) Now() time.Time { return e.net.Now() }

func (e *memoryEndpoint) Send(to protocol.Address, msg protocol.Message) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.net.send(e.addr, to, msg)
}

func (e *memoryEndpoint) AfterFunc(d time.Duration, fn func()) Timer {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	ev := e.net.schedule(d, func() {
		if !e.isClosed() {
			fn()
		}
	})
	return &memoryTimer{net: e.net, ev: ev}
}

func (e *memoryEndpoint) Close() error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	if e.net.endpoints[e.addr] == e {
		delete(e.net.endpoints, e.addr)
	}
	return nil
}

func (e *memoryEndpoint) isClosed() bool {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	return e.closed
}

type memoryTimer struct {
	net *Network
	ev  *event
}

func (t *memoryTimer) Stop() bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.ev.stopped || t.ev.fired {
		return false
	}
	t.ev.stopped = true
	return true
}

type event struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
	index   int
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	last := len(old) - 1
	ev := old[last]
	old[last] = nil
	*q = old[:last]
	return ev
}
