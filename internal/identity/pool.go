package identity

import "sync"

// Pool tracks which identities are free and which are assigned to a job.
type Pool struct {
	mu       sync.Mutex
	all      []*Identity
	assigned map[string]string // agentId -> jobId
}

// NewPool creates a pool from the loaded identities.
func NewPool(ids []*Identity) *Pool {
	return &Pool{
		all:      ids,
		assigned: make(map[string]string),
	}
}

// Size returns the total number of identities.
func (p *Pool) Size() int { return len(p.all) }

// All returns every identity, assigned or not.
func (p *Pool) All() []*Identity { return p.all }

// Acquire assigns the first free identity to jobID. Returns false when all
// identities are busy.
func (p *Pool) Acquire(jobID string) (*Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.all {
		if _, busy := p.assigned[id.AgentID]; !busy {
			p.assigned[id.AgentID] = jobID
			return id, true
		}
	}
	return nil, false
}

// AcquireSpecific assigns a particular identity to jobID. Returns false when
// that identity is already bound to another job.
func (p *Pool) AcquireSpecific(id *Identity, jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.assigned[id.AgentID]; busy {
		return false
	}
	p.assigned[id.AgentID] = jobID
	return true
}

// Release returns an identity to the free set.
func (p *Pool) Release(id *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assigned, id.AgentID)
}

// FreeCount returns the number of unassigned identities.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all) - len(p.assigned)
}
