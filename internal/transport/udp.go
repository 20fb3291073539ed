package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/senutpal/multipaxos/internal/protocol"
)

// maxDatagram bounds a single encoded envelope. WELCOME snapshots of large
// states do not fit in one datagram.
const maxDatagram = 64 * 1024

const taskBacklog = 4096

// UDP carries JSON envelopes over datagram sockets.
type UDP struct {
	log *logrus.Entry
}

func NewUDP(logger *logrus.Logger) *UDP {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UDP{log: logger.WithField("transport", "udp")}
}

func (u *UDP) Listen(addr protocol.Address, deliver DeliverFunc) (Endpoint, error) {
	conn, err := net.ListenPacket("udp", string(addr))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	local := protocol.Address(conn.LocalAddr().String())
	ep := &udpEndpoint{
		conn:    conn,
		addr:    local,
		deliver: deliver,
		tasks:   make(chan func(), taskBacklog),
		done:    make(chan struct{}),
		log:     u.log.WithField("addr", local),
	}
	go ep.readLoop()
	go ep.run()
	return ep, nil
}

type udpEndpoint struct {
	conn    net.PacketConn
	addr    protocol.Address
	deliver DeliverFunc
	tasks   chan func()
	done    chan struct{}
	once    sync.Once
	log     *logrus.Entry
}

func (e *udpEndpoint) Addr() protocol.Address { return e.addr }

func (e *udpEndpoint) Now() time.Time { return time.Now() }

func (e *udpEndpoint) Send(to protocol.Address, msg protocol.Message) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	dst, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrUnknownAddress, to, err)
	}
	data, err := protocol.Marshal(protocol.Envelope{From: e.addr, Message: msg})
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("send %s to %s: %d byte envelope exceeds datagram size", msg.Type(), to, len(data))
	}
	if _, err := e.conn.WriteTo(data, dst); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type(), to, err)
	}
	return nil
}

func (e *udpEndpoint) AfterFunc(d time.Duration, fn func()) Timer {
	t := &udpTimer{}
	t.timer = time.AfterFunc(d, func() {
		e.post(func() {
			if !t.stopped.Load() {
				fn()
			}
		})
	})
	return t
}

func (e *udpEndpoint) Close() error {
	err := ErrClosed
	e.once.Do(func() {
		close(e.done)
		err = e.conn.Close()
	})
	return err
}

func (e *udpEndpoint) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// run executes deliveries and timer callbacks one at a time. Close may be
// called from inside a callback, so nothing waits for this loop to exit.
func (e *udpEndpoint) run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			return
		}
	}
}

func (e *udpEndpoint) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-e.done:
				return
			default:
			}
			e.log.WithError(err).Warn("read failed")
			continue
		}
		env, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			e.log.WithError(err).WithField("peer", from.String()).Warn("dropping undecodable datagram")
			continue
		}
		e.post(func() { e.deliver(env) })
	}
}

type udpTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *udpTimer) Stop() bool {
	t.stopped.Store(true)
	return t.timer.Stop()
}
