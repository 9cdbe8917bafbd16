package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/vap-net/dispatcher/internal/chat"
	"github.com/vap-net/dispatcher/internal/events"
	"github.com/vap-net/dispatcher/internal/joblog"
	"github.com/vap-net/dispatcher/internal/metrics"
)

const (
	// maxReplyChars caps the length of an assistant reply sent to chat.
	maxReplyChars = 3900

	apologyReply = "Sorry, something went wrong while handling that message. Please try again."
	doneCommand  = "/done"
)

// HandleMessage routes one inbound buyer turn. Self-originated messages are
// dropped; a turn for an owned job without an active entry triggers an
// on-demand sandbox start.
func (d *Dispatcher) HandleMessage(ctx context.Context, s *Session, m chat.Message) {
	if m.Sender == s.Identity.IdentityName {
		return
	}

	d.mu.Lock()
	entry, active := d.active[m.JobID]
	owner := d.owned[m.JobID]
	if active && entry.ghost != nil {
		entry.ghost.Stop()
		entry.ghost = nil
	}
	down := d.down
	d.mu.Unlock()

	if active {
		select {
		case entry.inbox <- m:
		default:
			d.log.Warn("job inbox full, dropping turn", "jobId", m.JobID)
			metrics.TurnsTotal.WithLabelValues("dropped").Inc()
		}
		return
	}

	// A turn for a job this dispatcher owns but has no sandbox for: the
	// container from a previous run is gone, so spin up a fresh one.
	if owner == s && !down {
		d.startOnDemand(ctx, s, m.JobID)
	}
}

// startOnDemand re-admits an owned job after a restart: the transcript is
// reopened with a lifecycle gap marker and a fresh sandbox is started, or
// queued when no slot or identity is free.
func (d *Dispatcher) startOnDemand(ctx context.Context, s *Session, jobID string) {
	job, err := s.Market.GetJob(ctx, jobID)
	if err != nil {
		d.log.Warn("could not refresh job for on-demand start", "jobId", jobID, "error", err)
		job.JobID = jobID
	}

	entry, err := d.admit(ctx, s, job)
	if err != nil {
		d.log.Error("on-demand admission failed", "jobId", jobID, "error", err)
		return
	}
	if err := entry.logf.AppendEvent("lifecycle_gap", "dispatcher restarted, previous sandbox lost"); err != nil {
		d.log.Warn("failed to record lifecycle gap", "jobId", jobID, "error", err)
	}

	if err := s.Chat.Send(jobID, "Starting a fresh sandbox for this job, one moment."); err != nil {
		d.log.Warn("failed to send on-demand notice", "jobId", jobID, "error", err)
	}
	d.startOrQueue(ctx, entry, "All slots are busy right now. You are #%d in the queue.")
}

// runActor is the per-job worker: it handles one turn at a time until
// retirement signals done. Turns still buffered at that point are dropped
// with the actor.
func (d *Dispatcher) runActor(ctx context.Context, entry *activeJob) {
	defer d.wg.Done()
	for {
		select {
		case <-entry.done:
			return
		case m := <-entry.inbox:
			d.handleTurn(ctx, entry, m)
		}
	}
}

// handleTurn processes a single buyer turn according to the job's state.
func (d *Dispatcher) handleTurn(ctx context.Context, entry *activeJob, m chat.Message) {
	jobID := entry.job.JobID

	d.mu.Lock()
	state := entry.state
	handle := entry.handle
	d.mu.Unlock()

	switch state {
	case stateQueued:
		d.reply(entry, "Your job is queued and will start as soon as a slot frees up.")
		return
	case stateStarting:
		d.reply(entry, "Your sandbox is starting up, please wait a moment.")
		return
	case stateRetiring:
		return
	}

	if strings.TrimSpace(m.Content) == doneCommand {
		d.complete(ctx, entry)
		return
	}

	nonce := newNonce()
	if err := entry.logf.AppendUser(m.Content, m.Sender, nonce); err != nil {
		d.log.Warn("failed to log user turn", "jobId", jobID, "error", err)
	}
	entry.history = append(entry.history, historyTurn("user", m.Content))

	start := d.clk.Now()
	reply, err := d.sb.SendRequest(ctx, handle, entry.history)
	metrics.TurnDuration.Observe(d.clk.Since(start).Seconds())

	if err != nil {
		d.log.Warn("sandbox request failed", "jobId", jobID, "nonce", nonce, "error", err)
		if lerr := entry.logf.Append(joblog.Entry{Role: joblog.RoleSystem, Event: "error", Reason: err.Error(), Nonce: nonce}); lerr != nil {
			d.log.Warn("failed to log turn error", "jobId", jobID, "error", lerr)
		}
		// The user turn did not produce a reply; drop it from the history so
		// the next request does not resend a half-finished exchange.
		entry.history = entry.history[:len(entry.history)-1]
		d.reply(entry, apologyReply)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		d.publish(events.EventTurnFailed, jobID, err.Error())

		entry.failures++
		if entry.failures >= maxConsecutiveFailures {
			d.log.Warn("retiring job after repeated sandbox failures", "jobId", jobID, "failures", entry.failures)
			d.reply(entry, "This session has hit repeated errors and is being closed. Sorry about that.")
			d.Retire(ctx, jobID, ReasonHealth)
		}
		return
	}
	entry.failures = 0

	reply = truncateReply(reply)
	entry.history = append(entry.history, historyTurn("assistant", reply))
	if err := entry.logf.AppendAssistant(reply, nonce, handle.Port, d.opts.Model); err != nil {
		d.log.Warn("failed to log assistant turn", "jobId", jobID, "error", err)
	}
	d.reply(entry, reply)
	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	d.publish(events.EventTurnHandled, jobID, nonce)
}

// complete delivers the transcript hash to the marketplace and retires the
// job as completed.
func (d *Dispatcher) complete(ctx context.Context, entry *activeJob) {
	jobID := entry.job.JobID

	hash, err := entry.logf.Hash()
	if err != nil {
		d.log.Error("failed to hash transcript for delivery", "jobId", jobID, "error", err)
		d.reply(entry, apologyReply)
		return
	}
	if err := entry.session.Market.Deliver(ctx, jobID, hash); err != nil {
		d.log.Warn("delivery submission failed", "jobId", jobID, "error", err)
	}
	d.reply(entry, "Work delivered. Thanks for your business!")
	d.Retire(ctx, jobID, ReasonCompleted)
}

func (d *Dispatcher) reply(entry *activeJob, content string) {
	if err := entry.session.Chat.Send(entry.job.JobID, content); err != nil {
		d.log.Warn("failed to send chat reply", "jobId", entry.job.JobID, "error", err)
	}
}

// truncateReply caps a reply at maxReplyChars characters with a marker.
func truncateReply(reply string) string {
	runes := []rune(reply)
	if len(runes) <= maxReplyChars {
		return reply
	}
	return string(runes[:maxReplyChars]) + "\n[reply truncated]"
}

// newNonce returns 8 random bytes hex-encoded, tying a user turn to its
// assistant turn in the transcript.
func newNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(buf)
}
