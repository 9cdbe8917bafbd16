package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vap-net/dispatcher/internal/attest"
	"github.com/vap-net/dispatcher/internal/events"
	"github.com/vap-net/dispatcher/internal/metrics"
	"github.com/vap-net/dispatcher/internal/sandbox"
)

// maxConsecutiveFailures is the number of back-to-back sandbox request
// failures after which a job is retired instead of apologised for again.
const maxConsecutiveFailures = 3

func historyTurn(role, content string) sandbox.Turn {
	return sandbox.Turn{Role: role, Content: content}
}

// startJob drives one admitted job from queued to ready: sandbox start,
// health probe, creation attestation, ghost timer. A start that finds no
// free port re-queues the job.
func (d *Dispatcher) startJob(ctx context.Context, entry *activeJob) {
	jobID := entry.job.JobID

	d.mu.Lock()
	if entry.state == stateRetiring {
		d.mu.Unlock()
		return
	}
	entry.state = stateStarting
	d.mu.Unlock()
	d.publish(events.EventContainerStart, jobID, "")

	h, err := d.sb.Start(ctx, jobID, entry.job.PrivacyTier)
	if err != nil {
		d.log.Error("sandbox start failed", "jobId", jobID, "error", err)
		d.reply(entry, apologyReply)
		d.Retire(ctx, jobID, ReasonHealth)
		return
	}
	if h == nil {
		// Lost the port to a concurrent start; release the identity and go
		// back through the queue.
		d.mu.Lock()
		entry.state = stateQueued
		entry.identityHeld = false
		d.mu.Unlock()
		d.ids.Release(entry.session.Identity)
		d.startOrQueue(ctx, entry, "All slots are busy right now. You are #%d in the queue.")
		return
	}

	d.mu.Lock()
	entry.handle = h
	d.mu.Unlock()

	if err := d.sb.WaitForHealth(ctx, h); err != nil {
		d.log.Error("sandbox failed health probe", "jobId", jobID, "error", err)
		d.reply(entry, apologyReply)
		d.Retire(ctx, jobID, ReasonHealth)
		return
	}

	d.writeCreationAttestation(ctx, entry, h)

	d.mu.Lock()
	if entry.state == stateRetiring {
		d.mu.Unlock()
		return
	}
	entry.state = stateReady
	entry.ghost = time.AfterFunc(d.opts.GhostTimeout, func() {
		d.log.Info("no buyer turn within ghost timeout, retiring", "jobId", jobID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.Retire(ctx, jobID, ReasonGhost)
	})
	d.mu.Unlock()

	if err := entry.logf.AppendEvent("sandbox_ready", ""); err != nil {
		d.log.Warn("failed to log readiness", "jobId", jobID, "error", err)
	}
	d.publish(events.EventContainerReady, jobID, "")
	d.publishGauges()
	d.log.Info("job ready", "jobId", jobID, "port", h.Port)
}

// writeCreationAttestation signs and persists the creation record, then
// submits it to the marketplace best-effort.
func (d *Dispatcher) writeCreationAttestation(ctx context.Context, entry *activeJob, h *sandbox.Handle) {
	jobID := entry.job.JobID
	localHash := attest.LocalJobHash(
		jobID,
		entry.job.Description,
		entry.job.BuyerVerusID,
		entry.job.Amount,
		entry.job.Currency,
		entry.createdAt.Unix(),
	)
	doc := &attest.Creation{
		Type:        attest.TypeCreated,
		JobID:       jobID,
		ContainerID: h.ContainerID,
		AgentID:     entry.session.Identity.AgentID,
		Identity:    entry.session.Identity.IdentityName,
		CreatedAt:   h.CreatedAt.UTC().Format(time.RFC3339),
		JobHash:     localHash,
		MemoryLimit: h.Profile.Memory,
		CPULimit:    h.Profile.CPUs,
		MaxLifetime: h.Profile.MaxLifetime.String(),
		PrivacyTier: h.Tier,
	}
	if err := doc.Sign(entry.session.Signer); err != nil {
		d.log.Error("failed to sign creation attestation", "jobId", jobID, "error", err)
		return
	}
	if err := attest.WriteFile(entry.logf.Dir(), attest.CreationFile, doc); err != nil {
		d.log.Error("failed to persist creation attestation", "jobId", jobID, "error", err)
		return
	}
	d.submitAttestation(ctx, entry, doc)
}

// writeDeletionAttestation signs and persists the deletion record with the
// final transcript hash.
func (d *Dispatcher) writeDeletionAttestation(ctx context.Context, entry *activeJob, h *sandbox.Handle, reason string) {
	jobID := entry.job.JobID
	hash, err := entry.logf.Hash()
	if err != nil {
		d.log.Warn("failed to hash transcript for deletion attestation", "jobId", jobID, "error", err)
	}

	doc := &attest.Deletion{
		Type:             attest.TypeDestroyed,
		JobID:            jobID,
		ContainerID:      h.ContainerID,
		CreatedAt:        h.CreatedAt.UTC().Format(time.RFC3339),
		DestroyedAt:      d.clk.Now().UTC().Format(time.RFC3339),
		DataVolumes:      d.sb.DataVolumes(),
		DeletionMethod:   "container-remove-with-volumes",
		TranscriptSHA256: hash,
	}
	if reason == ReasonTimeout {
		doc.Type = attest.TypeDestroyedTimeout
		doc.Reason = ReasonTimeout
	}
	if err := doc.Sign(entry.session.Signer); err != nil {
		d.log.Error("failed to sign deletion attestation", "jobId", jobID, "error", err)
		return
	}
	if err := attest.WriteFile(entry.logf.Dir(), attest.DeletionFile, doc); err != nil {
		d.log.Error("failed to persist deletion attestation", "jobId", jobID, "error", err)
		return
	}
	d.submitAttestation(ctx, entry, doc)
}

// submitAttestation uploads a signed document; failure is logged only.
func (d *Dispatcher) submitAttestation(ctx context.Context, entry *activeJob, doc any) {
	raw, err := json.Marshal(doc)
	if err != nil {
		d.log.Warn("failed to marshal attestation for submission", "jobId", entry.job.JobID, "error", err)
		return
	}
	if err := entry.session.Market.SubmitAttestation(ctx, entry.job.JobID, raw); err != nil {
		d.log.Warn("attestation submission failed", "jobId", entry.job.JobID, "error", err)
	}
}

// Retire tears one job down: deletion attestation, sandbox destroy, room
// leave, identity release, queue drain. Idempotent per job.
func (d *Dispatcher) Retire(ctx context.Context, jobID, reason string) {
	d.mu.Lock()
	entry, ok := d.active[jobID]
	if !ok || entry.state == stateRetiring {
		d.mu.Unlock()
		return
	}
	entry.state = stateRetiring
	if entry.ghost != nil {
		entry.ghost.Stop()
		entry.ghost = nil
	}
	handle := entry.handle
	held := entry.identityHeld
	entry.identityHeld = false
	delete(d.active, jobID)
	if reason == ReasonCompleted {
		delete(d.owned, jobID)
	}
	d.removeQueuedLocked(jobID)
	d.mu.Unlock()

	if err := entry.logf.AppendEvent("retired", reason); err != nil {
		d.log.Warn("failed to log retirement", "jobId", jobID, "error", err)
	}

	if handle != nil {
		d.writeDeletionAttestation(ctx, entry, handle, reason)
		if err := d.sb.Destroy(ctx, handle); err != nil {
			d.log.Warn("sandbox destroy failed", "jobId", jobID, "error", err)
		}
	}

	entry.session.Chat.Leave(jobID)
	close(entry.done)
	if held {
		d.ids.Release(entry.session.Identity)
	}

	metrics.Retirements.WithLabelValues(reason).Inc()
	d.publish(events.EventJobRetired, jobID, reason)
	d.publishGauges()
	d.log.Info("job retired", "jobId", jobID, "reason", reason)

	d.drainQueue(ctx)
}

// removeQueuedLocked drops jobID from the wait queue. Caller holds d.mu.
func (d *Dispatcher) removeQueuedLocked(jobID string) {
	for i, queued := range d.queue {
		if queued == jobID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// drainQueue promotes the first queued job whose identity is free to a
// sandbox start. Jobs whose identity is still serving another sandbox keep
// their place and are retried on the next drain.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	d.mu.Lock()
	if d.down || len(d.queue) == 0 || !d.sb.HasCapacity() {
		d.mu.Unlock()
		return
	}
	var next *activeJob
	for i, jobID := range d.queue {
		entry, ok := d.active[jobID]
		if !ok {
			continue
		}
		if d.ids.AcquireSpecific(entry.session.Identity, jobID) {
			entry.identityHeld = true
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			next = entry
			break
		}
	}
	d.mu.Unlock()
	if next == nil {
		return
	}

	d.publishGauges()
	d.log.Info("promoting queued job", "jobId", next.job.JobID)
	go d.startJob(ctx, next)
}
