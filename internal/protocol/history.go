package protocol

// PeerHistory maps a slot to the peer set in force once that slot was
// committed. A view change committed at slot k only takes over voting at slot
// k+ALPHA, so the voters of slot s are found at s-ALPHA.
type PeerHistory map[Slot][]Address

// VotersFor returns the peer set that votes on slot. Lookups that fall before
// the founding slot resolve to it.
func (h PeerHistory) VotersFor(slot Slot, alpha int64) ([]Address, bool) {
	key := slot - Slot(alpha)
	if key < 0 {
		key = 0
	}
	peers, ok := h[key]
	return peers, ok
}

func (h PeerHistory) Clone() PeerHistory {
	out := make(PeerHistory, len(h))
	for slot, peers := range h {
		out[slot] = append([]Address(nil), peers...)
	}
	return out
}

// Prune forgets entries for slots below before.
func (h PeerHistory) Prune(before Slot) {
	for slot := range h {
		if slot < before {
			delete(h, slot)
		}
	}
}
