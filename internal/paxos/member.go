package paxos

import (
	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
	"github.com/senutpal/multipaxos/internal/storage"
)

// Member is the set of long-lived roles a node runs while it belongs to the
// cluster.
type Member struct {
	Acceptor  *Acceptor
	Replica   *Replica
	Leader    *Leader
	Heartbeat *Heartbeat
}

// StartMember builds the acceptor, replica, leader and heartbeat of a node
// from a WELCOME snapshot and starts them.
func StartMember(rt Runtime, execute ExecuteFunc, snap protocol.Welcome) *Member {
	m := &Member{
		Acceptor:  NewAcceptor(rt, storage.NewMemoryStorage()),
		Replica:   NewReplica(rt, execute, snap),
		Leader:    NewLeader(rt, snap.ViewID, snap.Peers, snap.PeerHistory, snap.SlotNum),
		Heartbeat: NewHeartbeat(rt, snap.Peers),
	}
	// The replica goes last: it may commit snapshot decisions on start and
	// the others have to hear about them.
	m.Acceptor.Start()
	m.Leader.Start()
	m.Heartbeat.Start()
	m.Replica.Start()
	rt.Logger().WithFields(logrus.Fields{
		"view":     snap.ViewID,
		"slot_num": snap.SlotNum,
		"peers":    snap.Peers,
	}).Info("joined cluster")
	return m
}

func (m *Member) Stop() {
	m.Heartbeat.Stop()
	m.Leader.Stop()
	m.Replica.Stop()
	m.Acceptor.Stop()
}
