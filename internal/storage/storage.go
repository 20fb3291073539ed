// =============================================================================
// ACCEPTOR STORAGE
// =============================================================================
//
// The acceptor's entire memory lives behind this interface: the highest
// ballot it has promised and every (ballot, slot) pair it has accepted a
// proposal for.
//
// INVARIANT: the promised ballot never decreases and an accepted
// (ballot, slot) entry is never replaced by a different proposal.
//
// Only an in-memory implementation exists; nodes do not survive a restart
// and rejoin through WELCOME instead.
//
// =============================================================================

package storage

import (
	"errors"

	"github.com/senutpal/multipaxos/internal/protocol"
)

var (
	// ErrAcceptedConflict means a different proposal was already accepted
	// for the same ballot and slot.
	ErrAcceptedConflict = errors.New("conflicting accepted proposal")
	ErrClosed           = errors.New("storage closed")
)

type AcceptorStore interface {
	Promised() protocol.Ballot
	// SavePromised records b if it is higher than the current promise.
	SavePromised(b protocol.Ballot) error
	SaveAccepted(pv protocol.PValue) error
	// Accepted returns a copy of every accepted pvalue ordered by slot and
	// ballot.
	Accepted() []protocol.PValue
	Close() error
}
