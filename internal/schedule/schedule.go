// Package schedule runs the dispatcher's periodic maintenance jobs: sandbox
// lifetime enforcement, port-cooldown sweeps, and rate-limiter cleanup.
package schedule

import (
	"fmt"

	cron "github.com/robfig/cron/v3"

	"github.com/vap-net/dispatcher/internal/logging"
)

// Scheduler wraps a cron runner with panic isolation per job.
type Scheduler struct {
	c   *cron.Cron
	log *logging.Logger
}

// New creates a stopped Scheduler.
func New(log *logging.Logger) *Scheduler {
	return &Scheduler{
		c: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		)),
		log: log,
	}
}

// Add registers fn under a cron spec ("@every 30s" or a standard five-field
// expression).
func (s *Scheduler) Add(spec, name string, fn func()) error {
	_, err := s.c.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.log.Info("maintenance job scheduled", "job", name, "spec", spec)
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// Validate checks a cron spec without scheduling anything.
func Validate(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}
