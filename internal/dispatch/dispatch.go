// Package dispatch is the orchestration core: it polls the marketplace for
// new jobs, admits them under the acceptance rate limit and queue cap,
// drives the per-job sandbox lifecycle, and routes buyer chat turns into
// sandboxes and replies back out. Each admitted job is owned by a single
// actor goroutine, which is what serialises its turns.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vap-net/dispatcher/internal/admission"
	"github.com/vap-net/dispatcher/internal/chat"
	"github.com/vap-net/dispatcher/internal/clock"
	"github.com/vap-net/dispatcher/internal/events"
	"github.com/vap-net/dispatcher/internal/identity"
	"github.com/vap-net/dispatcher/internal/joblog"
	"github.com/vap-net/dispatcher/internal/logging"
	"github.com/vap-net/dispatcher/internal/market"
	"github.com/vap-net/dispatcher/internal/metrics"
	"github.com/vap-net/dispatcher/internal/sandbox"
)

// inboxSize bounds each job actor's pending-turn buffer.
const inboxSize = 16

// Retirement reasons.
const (
	ReasonCompleted = "completed"
	ReasonGhost     = "ghost"
	ReasonTimeout   = "timeout"
	ReasonHealth    = "health"
	ReasonShutdown  = "shutdown"
	ReasonCapacity  = "capacity"
)

// MarketAPI is the per-identity marketplace surface the core needs.
// Satisfied by *market.Client; faked in tests.
type MarketAPI interface {
	Login(ctx context.Context) error
	ListJobs(ctx context.Context, status string) ([]market.Job, error)
	GetJob(ctx context.Context, jobID string) (market.Job, error)
	AcceptJob(ctx context.Context, job market.Job, ts int64) error
	Deliver(ctx context.Context, jobID, resultHash string) error
	SubmitAttestation(ctx context.Context, jobID string, doc json.RawMessage) error
}

// ChatAPI is the per-identity chat surface the core needs. Satisfied by
// *chat.Transport.
type ChatAPI interface {
	Join(jobID string) error
	Leave(jobID string)
	Send(jobID, content string) error
	Messages() <-chan chat.Message
}

// SandboxAPI is the container-manager surface the core needs. Satisfied by
// *sandbox.Manager.
type SandboxAPI interface {
	Start(ctx context.Context, jobID, tier string) (*sandbox.Handle, error)
	WaitForHealth(ctx context.Context, h *sandbox.Handle) error
	SendRequest(ctx context.Context, h *sandbox.Handle, history []sandbox.Turn) (string, error)
	Destroy(ctx context.Context, h *sandbox.Handle) error
	EnforceLifetimes(cb func(h *sandbox.Handle))
	HasCapacity() bool
	DataVolumes() []string
}

// Session bundles one identity with its authenticated marketplace client and
// chat transport.
type Session struct {
	Identity *identity.Identity
	Signer   identity.Signer
	Market   MarketAPI
	Chat     ChatAPI
}

// Options tunes the core's admission and lifecycle behaviour.
type Options struct {
	PollInterval time.Duration
	GhostTimeout time.Duration
	MaxQueued    int
	JobsPath     string
	Model        string
}

// jobState is the lifecycle position of an admitted job.
type jobState int

const (
	stateQueued jobState = iota
	stateStarting
	stateReady
	stateRetiring
)

func (s jobState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateStarting:
		return "starting"
	case stateReady:
		return "ready"
	case stateRetiring:
		return "retiring"
	}
	return "unknown"
}

// activeJob is the dispatcher's entry for one admitted job. The inbox is
// consumed by a single actor goroutine, so turns are handled strictly in
// arrival order with one in-flight sandbox request at a time. The inbox is
// never closed; retirement closes done instead, so a turn racing retirement
// lands in the buffer and is discarded with the actor.
type activeJob struct {
	job     market.Job
	session *Session
	logf    *joblog.Log

	state        jobState
	handle       *sandbox.Handle
	history      []sandbox.Turn
	failures     int // consecutive sandbox request failures
	createdAt    time.Time
	ghost        *time.Timer
	identityHeld bool // identity bound for a running or starting sandbox

	inbox chan chat.Message
	done  chan struct{}
}

// Dispatcher owns the active-job table, the queue, and the seen set.
type Dispatcher struct {
	opts     Options
	sessions []*Session
	ids      *identity.Pool
	sb       SandboxAPI
	limiter  *admission.Limiter
	bus      *events.Bus
	clk      clock.Clock
	log      *logging.Logger

	mu     sync.Mutex
	active map[string]*activeJob
	queue  []string // jobIDs waiting for a sandbox slot, FIFO
	seen   map[string]struct{}
	owned  map[string]*Session // jobID -> owning session
	wg     sync.WaitGroup
	down   bool
}

// New creates a Dispatcher over the given sessions and collaborators.
func New(sessions []*Session, ids *identity.Pool, sb SandboxAPI, limiter *admission.Limiter, bus *events.Bus, clk clock.Clock, log *logging.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		opts:     opts,
		sessions: sessions,
		ids:      ids,
		sb:       sb,
		limiter:  limiter,
		bus:      bus,
		clk:      clk,
		log:      log,
		active:   make(map[string]*activeJob),
		seen:     make(map[string]struct{}),
		owned:    make(map[string]*Session),
	}
}

// Run reconciles, then polls the marketplace and routes chat messages until
// ctx is cancelled. On cancellation every live sandbox is destroyed before
// Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Reconcile(ctx); err != nil {
		return err
	}

	for _, s := range d.sessions {
		s := s
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.readMessages(ctx, s)
		}()
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			d.wg.Wait()
			return nil
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// readMessages pumps one session's inbound buyer turns into the router.
func (d *Dispatcher) readMessages(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-s.Chat.Messages():
			if !ok {
				return
			}
			d.HandleMessage(ctx, s, m)
		}
	}
}

// shutdown retires every active job. New admissions are refused from the
// moment the flag is set.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.down = true
	ids := make([]string, 0, len(d.active))
	for jobID := range d.active {
		ids = append(ids, jobID)
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, jobID := range ids {
		d.Retire(ctx, jobID, ReasonShutdown)
	}
}

// EnforceLifetimes retires every sandbox that has outlived its profile's
// maximum lifetime. Called from the periodic scheduler.
func (d *Dispatcher) EnforceLifetimes(ctx context.Context) {
	d.sb.EnforceLifetimes(func(h *sandbox.Handle) {
		d.mu.Lock()
		entry, ok := d.active[h.JobID]
		d.mu.Unlock()
		if !ok {
			return
		}
		if err := entry.session.Chat.Send(h.JobID, "Session time limit reached. The sandbox for this job has been retired."); err != nil {
			d.log.Warn("failed to notify buyer of lifetime expiry", "jobId", h.JobID, "error", err)
		}
		d.Retire(ctx, h.JobID, ReasonTimeout)
	})
}

// Counts returns the number of active (non-queued) and queued jobs.
func (d *Dispatcher) Counts() (active, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.active {
		if e.state != stateQueued {
			active++
		}
	}
	return active, len(d.queue)
}

func (d *Dispatcher) publish(t events.EventType, jobID, msg string) {
	d.bus.Publish(events.Event{Type: t, JobID: jobID, Message: msg, Timestamp: d.clk.Now()})
}

func (d *Dispatcher) publishGauges() {
	active, queued := d.Counts()
	metrics.JobsActive.Set(float64(active))
	metrics.JobsQueued.Set(float64(queued))
}
