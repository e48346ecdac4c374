package sip

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// connectionPool indexes stream and packet connections by remote and
// local address. Connections are reused for outbound requests and for
// server responses - RFC 3261 18.
type connectionPool struct {
	mu sync.RWMutex
	m  map[string]Connection
	sf singleflight.Group
}

func newConnectionPool() *connectionPool {
	return &connectionPool{
		m: make(map[string]Connection),
	}
}

// addSingleflight creates connection via do, deduplicating concurrent
// dials to the same laddr/raddr pair.
func (p *connectionPool) addSingleflight(raddr Addr, laddr Addr, reuse bool, do func() (Connection, error)) (Connection, error) {
	a := raddr.String()

	if laddr.Port > 0 || reuse {
		conn, err, shared := p.sf.Do(laddr.String()+a, func() (any, error) {
			return do()
		})
		if err != nil {
			return nil, err
		}
		c := conn.(Connection)
		if shared {
			return c, nil
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		p.m[a] = c
		p.m[c.LocalAddr().String()] = c
		return c, nil
	}

	c, err := do()
	if err != nil {
		return nil, err
	}
	if c.Ref(0) < 1 {
		c.Ref(1)
	}
	p.mu.Lock()
	p.m[a] = c
	p.m[c.LocalAddr().String()] = c
	p.mu.Unlock()
	return c, nil
}

// Add stores connection under addr with at least one reference.
func (p *connectionPool) Add(addr string, c Connection) {
	if c.Ref(0) < 1 {
		c.Ref(1)
	}
	p.mu.Lock()
	p.m[addr] = c
	p.mu.Unlock()
}

// Get returns connection for addr, increasing its reference.
// Callers must TryClose when done.
func (p *connectionPool) Get(addr string) Connection {
	p.mu.RLock()
	c, exists := p.m[addr]
	p.mu.RUnlock()
	if !exists {
		return nil
	}
	c.Ref(1)
	return c
}

// CloseAndDelete closes connection and removes it from pool.
func (p *connectionPool) CloseAndDelete(c Connection, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, addr)
	ref, _ := c.TryClose() // draws down nicely before hard close
	if ref > 0 {
		return c.Close()
	}
	return nil
}

func (p *connectionPool) Delete(addr string) {
	p.mu.Lock()
	delete(p.m, addr)
	p.mu.Unlock()
}

func (p *connectionPool) DeleteMultiple(addrs []string) {
	p.mu.Lock()
	for _, a := range addrs {
		delete(p.m, a)
	}
	p.mu.Unlock()
}

// Clear closes every pooled connection.
func (p *connectionPool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		p.m = make(map[string]Connection)
	}()

	var werr error
	for _, c := range p.m {
		if c.Ref(0) <= 0 {
			continue
		}
		werr = errors.Join(werr, c.Close())
	}
	return werr
}

func (p *connectionPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}
