package storage

import (
	"sort"
	"sync"

	"github.com/senutpal/multipaxos/internal/protocol"
)

type acceptedKey struct {
	ballot protocol.Ballot
	slot   protocol.Slot
}

type MemoryStorage struct {
	highestPromised protocol.Ballot
	accepted        map[acceptedKey]protocol.Proposal
	closed          bool
	mu              sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{accepted: make(map[acceptedKey]protocol.Proposal)}
}

func (m *MemoryStorage) Promised() protocol.Ballot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highestPromised
}

func (m *MemoryStorage) SavePromised(b protocol.Ballot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if b.GreaterThan(m.highestPromised) {
		m.highestPromised = b
	}
	return nil
}

func (m *MemoryStorage) SaveAccepted(pv protocol.PValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := acceptedKey{ballot: pv.Ballot, slot: pv.Slot}
	if prev, ok := m.accepted[key]; ok {
		if !prev.Equal(pv.Proposal) {
			return ErrAcceptedConflict
		}
		return nil
	}
	m.accepted[key] = pv.Proposal
	return nil
}

func (m *MemoryStorage) Accepted() []protocol.PValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.PValue, 0, len(m.accepted))
	for key, p := range m.accepted {
		out = append(out, protocol.PValue{Ballot: key.ballot, Slot: key.slot, Proposal: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].Ballot.LessThan(out[j].Ballot)
	})
	return out
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reset forgets everything, as if the acceptor had crashed without durable
// storage.
func (m *MemoryStorage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highestPromised = protocol.Ballot{}
	m.accepted = make(map[acceptedKey]protocol.Proposal)
	m.closed = false
}
