package paxos

import (
	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// Request submits one client invocation. It re-sends INVOKE every
// InvokeRetransmit, moving on to the next replica each time, until the
// matching INVOKED arrives. Later duplicates of the reply are ignored.
type Request struct {
	rt       Runtime
	clientID int64
	input    []byte
	replicas []protocol.Address
	next     int
	onReply  func(output []byte)
	timer    Timer
	done     bool
	log      *logrus.Entry
}

func NewRequest(rt Runtime, clientID int64, input []byte, replicas []protocol.Address, onReply func([]byte)) *Request {
	return &Request{
		rt:       rt,
		clientID: clientID,
		input:    append([]byte(nil), input...),
		replicas: protocol.SortedPeers(replicas),
		onReply:  onReply,
		log:      rt.Logger().WithFields(logrus.Fields{"role": "request", "client_id": clientID}),
	}
}

func (r *Request) Start() {
	r.rt.Register(r)
	r.sendInvoke()
}

func (r *Request) Stop() {
	r.done = true
	if r.timer != nil {
		r.timer.Cancel()
	}
	r.rt.Unregister(r)
}

func (r *Request) Done() bool { return r.done }

func (r *Request) sendInvoke() {
	if len(r.replicas) > 0 {
		to := r.replicas[r.next%len(r.replicas)]
		r.next++
		r.rt.Send([]protocol.Address{to}, protocol.Invoke{
			Caller:   r.rt.Address(),
			ClientID: r.clientID,
			Input:    r.input,
		})
	}
	r.timer = r.rt.SetTimer(r.rt.Config().InvokeRetransmit, r.sendInvoke)
}

func (r *Request) Receive(from protocol.Address, msg protocol.Message) {
	m, ok := msg.(protocol.Invoked)
	if !ok || m.ClientID != r.clientID || r.done {
		return
	}
	r.log.WithField("from", from).Debug("invoked")
	r.Stop()
	r.onReply(m.Output)
}
