package paxos

import (
	"errors"
	"fmt"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// ErrConflictingDecision marks the one failure the protocol treats as
// fatal: the same slot decided with two different proposals.
var ErrConflictingDecision = errors.New("conflicting decisions for slot")

type ConflictError struct {
	Slot     protocol.Slot
	Existing protocol.Proposal
	Incoming protocol.Proposal
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v %d: have %v, got %v", ErrConflictingDecision, e.Slot, e.Existing, e.Incoming)
}

func (e *ConflictError) Unwrap() error { return ErrConflictingDecision }
