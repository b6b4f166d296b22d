package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3/test"
)

// LinkCondition shapes datagrams crossing a Link. The zero value delivers
// everything once, in order, without delay.
type LinkCondition struct {
	// DropRate is the probability a datagram is lost.
	DropRate float64

	// DuplicateRate is the probability a datagram is delivered twice.
	DuplicateRate float64

	// Delay holds every datagram back before delivery.
	Delay time.Duration

	// Drop, if set, sees every datagram that survived DropRate and drops
	// it by returning true. from is the sending side (0 or 1).
	Drop func(from int, data []byte) bool
}

// LinkStats counts what a Link did with the datagrams written to it.
type LinkStats struct {
	Written    uint64
	Dropped    uint64
	Duplicated uint64
}

// Link is an in-memory datagram link between two endpoints, 0 and 1,
// built on pion's test.Bridge. Delivery runs on a background ticker.
type Link struct {
	bridge *test.Bridge
	conns  [2]*linkConn

	mu   sync.Mutex
	cond LinkCondition
	rng  *rand.Rand

	written    atomic.Uint64
	dropped    atomic.Uint64
	duplicated atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// linkTick is how often queued datagrams are delivered.
const linkTick = time.Millisecond

// NewLink creates a link and starts delivering.
func NewLink() *Link {
	l := &Link{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}
	l.conns[0] = &linkConn{Conn: l.bridge.GetConn0(), id: 0, link: l}
	l.conns[1] = &linkConn{Conn: l.bridge.GetConn1(), id: 1, link: l}

	l.wg.Add(1)
	go l.deliver()
	return l
}

func (l *Link) deliver() {
	defer l.wg.Done()
	ticker := time.NewTicker(linkTick)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			for l.bridge.Tick() > 0 {
			}
		}
	}
}

// SetCondition replaces the link condition for datagrams written from now on.
func (l *Link) SetCondition(cond LinkCondition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cond = cond
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Written:    l.written.Load(),
		Dropped:    l.dropped.Load(),
		Duplicated: l.duplicated.Load(),
	}
}

// Conn returns side id of the link as a packet connection. Writes go to
// the other side whatever address is given.
func (l *Link) Conn(id int) net.PacketConn {
	return l.conns[id]
}

// Address returns the address of side id.
func (l *Link) Address(id int) PeerAddress {
	return NewPeerAddress(LinkAddr(id))
}

// Close stops delivery and closes both sides.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.conns[0].Conn.Close()
		if err2 := l.conns[1].Conn.Close(); err == nil {
			err = err2
		}
	})
	return err
}

// shape decides how many copies of a datagram from side id to deliver.
func (l *Link) shape(from int, data []byte) (copies int, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.cond
	if c.DropRate > 0 && l.rng.Float64() < c.DropRate {
		return 0, 0
	}
	if c.Drop != nil && c.Drop(from, data) {
		return 0, 0
	}
	copies = 1
	if c.DuplicateRate > 0 && l.rng.Float64() < c.DuplicateRate {
		copies = 2
	}
	return copies, c.Delay
}

// LinkAddr names one side of a Link.
type LinkAddr int

// Network implements net.Addr.
func (a LinkAddr) Network() string { return "link" }

// String implements net.Addr.
func (a LinkAddr) String() string { return fmt.Sprintf("link:%d", int(a)) }

// linkConn adapts one bridge side to net.PacketConn.
type linkConn struct {
	net.Conn
	id   int
	link *Link
}

func (c *linkConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(b)
	return n, LinkAddr(1 - c.id), err
}

func (c *linkConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.link.written.Add(1)
	copies, delay := c.link.shape(c.id, b)
	switch copies {
	case 0:
		c.link.dropped.Add(1)
		return len(b), nil
	case 2:
		c.link.duplicated.Add(1)
	}

	if delay > 0 {
		data := append([]byte(nil), b...)
		time.AfterFunc(delay, func() {
			for i := 0; i < copies; i++ {
				_, _ = c.Conn.Write(data)
			}
		})
		return len(b), nil
	}
	for i := 0; i < copies; i++ {
		if _, err := c.Conn.Write(b); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func (c *linkConn) LocalAddr() net.Addr {
	return LinkAddr(c.id)
}

var _ net.PacketConn = (*linkConn)(nil)

// LinkPair is two started Managers joined by a Link.
//
//	pair, _ := transport.NewLinkPair([2]transport.MessageHandler{h0, h1})
//	defer pair.Close()
//	pair.Manager(0).Send(data, pair.Address(1))
type LinkPair struct {
	link     *Link
	managers [2]*Manager
}

// NewLinkPair creates and starts a Manager on each side of a new Link.
func NewLinkPair(handlers [2]MessageHandler) (*LinkPair, error) {
	p := &LinkPair{link: NewLink()}
	for i := range p.managers {
		m, err := NewManager(ManagerConfig{
			Conns:          []net.PacketConn{p.link.Conn(i)},
			MessageHandler: handlers[i],
		})
		if err != nil {
			p.Close()
			return nil, err
		}
		p.managers[i] = m
		if err := m.Start(); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// Manager returns the manager of side id.
func (p *LinkPair) Manager(id int) *Manager {
	return p.managers[id]
}

// Address returns the address of side id.
func (p *LinkPair) Address(id int) PeerAddress {
	return p.link.Address(id)
}

// Link returns the underlying link.
func (p *LinkPair) Link() *Link {
	return p.link
}

// Close stops both managers and the link.
func (p *LinkPair) Close() error {
	for _, m := range p.managers {
		if m != nil {
			m.Stop()
		}
	}
	return p.link.Close()
}
