// =============================================================================
// TRANSPORT - The Network and Timer Substrate
// =============================================================================
//
// Nodes never talk to sockets or clocks directly. A Transport hands out
// Endpoints; an endpoint sends messages, arms timers and reports the time.
//
// Semantics every implementation provides:
//
// - Send is fire and forget. Messages may be delayed, lost, duplicated or
//   reordered. Paxos copes; the transport does not try to.
// - Deliveries and timer callbacks of one endpoint never run concurrently.
//   A node is therefore a single logical thread and needs no locks.
// - A stopped timer never fires, and nothing fires after Close.
//
// Two implementations exist:
//
//   Network  deterministic, seeded, virtual-time simulator (tests, demo)
//   UDP      real sockets carrying the JSON envelope codec
//
// =============================================================================

package transport

import (
	"errors"
	"time"

	"github.com/senutpal/multipaxos/internal/protocol"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrAddressInUse   = errors.New("address already in use")
	ErrUnknownAddress = errors.New("unknown address")
)

// DeliverFunc receives every message addressed to an endpoint.
type DeliverFunc func(env protocol.Envelope)

type Transport interface {
	Listen(addr protocol.Address, deliver DeliverFunc) (Endpoint, error)
}

type Endpoint interface {
	Addr() protocol.Address
	Send(to protocol.Address, msg protocol.Message) error
	// AfterFunc runs fn on the endpoint's delivery thread after d.
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
	Close() error
}

type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped a pending timer.
	Stop() bool
}
