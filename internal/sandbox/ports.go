package sandbox

import (
	"sync"
	"time"

	"github.com/vap-net/dispatcher/internal/clock"
	"github.com/vap-net/dispatcher/internal/metrics"
)

// PortPool partitions the configured port range into three disjoint sets:
// free, in use, and cooling down. A released port sits in cooldown for the
// configured duration before it can be selected again, so a just-retired
// sandbox's port cannot be grabbed by the next job while stray connections
// may still target it.
type PortPool struct {
	mu       sync.Mutex
	clk      clock.Clock
	start    int
	end      int
	cooldown time.Duration

	free     map[int]struct{}
	inUse    map[int]struct{}
	cooling  map[int]time.Time // port -> released at
}

// NewPortPool creates a pool over [start, end] inclusive.
func NewPortPool(start, end int, cooldown time.Duration, clk clock.Clock) *PortPool {
	p := &PortPool{
		clk:      clk,
		start:    start,
		end:      end,
		cooldown: cooldown,
		free:     make(map[int]struct{}),
		inUse:    make(map[int]struct{}),
		cooling:  make(map[int]time.Time),
	}
	for port := start; port <= end; port++ {
		p.free[port] = struct{}{}
	}
	return p
}

// Acquire returns the lowest free port, or false when every port is in use
// or cooling down. Expired cooldowns are collected first so a sweep lag
// never starves the pool.
func (p *PortPool) Acquire() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()

	for port := p.start; port <= p.end; port++ {
		if _, ok := p.free[port]; ok {
			delete(p.free, port)
			p.inUse[port] = struct{}{}
			p.publishGauges()
			return port, true
		}
	}
	return 0, false
}

// Release moves an in-use port into cooldown.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.cooling[port] = p.clk.Now()
	p.publishGauges()
}

// Sweep returns expired cooldown ports to the free set. Called periodically.
func (p *PortPool) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	p.publishGauges()
}

// sweepLocked collects expired cooldowns. Caller holds p.mu.
func (p *PortPool) sweepLocked() {
	now := p.clk.Now()
	for port, releasedAt := range p.cooling {
		if now.Sub(releasedAt) >= p.cooldown {
			delete(p.cooling, port)
			p.free[port] = struct{}{}
		}
	}
}

// Counts returns the sizes of the free, in-use and cooldown sets.
func (p *PortPool) Counts() (free, inUse, cooling int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.inUse), len(p.cooling)
}

// InUse reports whether a port is currently bound to a sandbox.
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[port]
	return ok
}

// publishGauges updates the port metrics. Caller holds p.mu.
func (p *PortPool) publishGauges() {
	metrics.PortsInUse.Set(float64(len(p.inUse)))
	metrics.PortsCooldown.Set(float64(len(p.cooling)))
}
