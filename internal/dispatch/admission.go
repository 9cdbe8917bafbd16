package dispatch

import (
	"context"
	"fmt"

	"github.com/vap-net/dispatcher/internal/chat"
	"github.com/vap-net/dispatcher/internal/events"
	"github.com/vap-net/dispatcher/internal/joblog"
	"github.com/vap-net/dispatcher/internal/market"
	"github.com/vap-net/dispatcher/internal/metrics"
)

// Poll asks every identity's session for requested jobs and considers each
// new one for admission. A skipped job stays in requested state on the
// marketplace and is re-examined on the next poll.
func (d *Dispatcher) Poll(ctx context.Context) {
	for _, s := range d.sessions {
		jobs, err := s.Market.ListJobs(ctx, "requested")
		if err != nil {
			d.log.Warn("job poll failed", "identity", s.Identity.IdentityName, "error", err)
			continue
		}
		for _, job := range jobs {
			d.consider(ctx, s, job)
		}
	}
}

// consider runs the admission sequence for one discovered job: capacity
// precheck, rate limit, then the signed acceptance. The identity is not
// reserved here; an accepted job whose identity is still serving another
// sandbox waits in the queue like any other. The seen set is only marked
// after a successful accept so a refused job is reconsidered on the next
// poll.
func (d *Dispatcher) consider(ctx context.Context, s *Session, job market.Job) {
	d.mu.Lock()
	if d.down {
		d.mu.Unlock()
		return
	}
	if _, ok := d.seen[job.JobID]; ok {
		d.mu.Unlock()
		return
	}
	queueLen := len(d.queue)
	d.mu.Unlock()

	if !d.sb.HasCapacity() && queueLen >= d.opts.MaxQueued {
		metrics.AdmissionSkips.WithLabelValues("capacity").Inc()
		return
	}
	if !d.limiter.Allow() {
		metrics.AdmissionSkips.WithLabelValues("rate").Inc()
		d.log.Info("admission rate limit reached, skipping", "jobId", job.JobID)
		return
	}

	ts := d.clk.Now().Unix()
	if err := s.Market.AcceptJob(ctx, job, ts); err != nil {
		d.log.Warn("job acceptance failed", "jobId", job.JobID, "error", err)
		metrics.AdmissionSkips.WithLabelValues("accept_failed").Inc()
		return
	}
	d.limiter.Record()
	metrics.AcceptsTotal.Inc()

	if err := s.Chat.Join(job.JobID); err != nil {
		d.log.Warn("failed to join chat room", "jobId", job.JobID, "error", err)
	}

	entry, err := d.admit(ctx, s, job)
	if err != nil {
		d.log.Error("admission bookkeeping failed", "jobId", job.JobID, "error", err)
		return
	}
	d.publish(events.EventJobAdmitted, job.JobID, "")
	d.log.Info("job admitted", "jobId", job.JobID, "identity", s.Identity.IdentityName, "amount", job.Amount, "currency", job.Currency)

	d.startOrQueue(ctx, entry, "Thanks for your job! All slots are busy right now. You are #%d in the queue.")
}

// startOrQueue binds the job's identity and starts a sandbox when both the
// identity and a slot are free; otherwise the job waits in the queue. When
// the queue is also full the job is retired; it stays owned, so the buyer's
// next message brings it back once a slot opens.
func (d *Dispatcher) startOrQueue(ctx context.Context, entry *activeJob, queuedNotice string) {
	jobID := entry.job.JobID

	d.mu.Lock()
	if entry.state == stateRetiring {
		d.mu.Unlock()
		return
	}
	if d.sb.HasCapacity() && d.ids.AcquireSpecific(entry.session.Identity, jobID) {
		entry.identityHeld = true
		d.mu.Unlock()
		go d.startJob(ctx, entry)
		return
	}
	if len(d.queue) >= d.opts.MaxQueued {
		d.mu.Unlock()
		d.log.Warn("no slot and queue full, retiring admitted job", "jobId", jobID)
		d.reply(entry, "All slots and the waiting queue are full right now. Send another message in a little while and I will pick this job back up.")
		d.Retire(ctx, jobID, ReasonCapacity)
		return
	}
	entry.state = stateQueued
	d.queue = append(d.queue, jobID)
	pos := len(d.queue)
	d.mu.Unlock()

	d.publish(events.EventJobQueued, jobID, fmt.Sprintf("position %d", pos))
	d.publishGauges()
	d.reply(entry, fmt.Sprintf(queuedNotice, pos))
}

// admit records the job in the active table and spawns its actor goroutine.
func (d *Dispatcher) admit(ctx context.Context, s *Session, job market.Job) (*activeJob, error) {
	logf, err := joblog.Open(d.opts.JobsPath, job.JobID, d.clk)
	if err != nil {
		return nil, err
	}
	if err := logf.WriteMeta(joblog.Meta{
		Description: job.Description,
		Buyer:       job.BuyerVerusID,
		Amount:      job.Amount,
		Currency:    job.Currency,
	}); err != nil {
		return nil, err
	}

	entry := &activeJob{
		job:       job,
		session:   s,
		logf:      logf,
		state:     stateQueued,
		createdAt: d.clk.Now(),
		inbox:     make(chan chat.Message, inboxSize),
		done:      make(chan struct{}),
	}

	d.mu.Lock()
	d.active[job.JobID] = entry
	d.seen[job.JobID] = struct{}{}
	d.owned[job.JobID] = s
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runActor(ctx, entry)
	return entry, nil
}
