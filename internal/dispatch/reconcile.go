package dispatch

import (
	"context"
	"fmt"
)

// Reconcile runs at startup: every identity logs in, its already-accepted
// jobs are re-discovered and their chat rooms rejoined. Previous containers
// are assumed gone; a fresh sandbox is started on demand when the buyer
// speaks again.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	for _, s := range d.sessions {
		if err := s.Market.Login(ctx); err != nil {
			return fmt.Errorf("login %s: %w", s.Identity.IdentityName, err)
		}

		for _, status := range []string{"accepted", "in_progress"} {
			jobs, err := s.Market.ListJobs(ctx, status)
			if err != nil {
				d.log.Warn("reconcile listing failed", "identity", s.Identity.IdentityName, "status", status, "error", err)
				continue
			}
			for _, job := range jobs {
				if err := s.Chat.Join(job.JobID); err != nil {
					d.log.Warn("reconcile room rejoin failed", "jobId", job.JobID, "error", err)
				}
				d.mu.Lock()
				d.seen[job.JobID] = struct{}{}
				d.owned[job.JobID] = s
				d.mu.Unlock()
				d.log.Info("reclaimed job", "jobId", job.JobID, "status", job.Status, "identity", s.Identity.IdentityName)
			}
		}
	}
	return nil
}
