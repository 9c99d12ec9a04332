// Package scheduler drives reconciliation cycles on a cron schedule.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// cron expressions carry a leading seconds field, e.g. "*/45 * * * * *".
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs the cycle function on a cron schedule. A cycle still
// running when the next tick fires is not overlapped; the tick is skipped.
// It implements manager.Runnable and manager.LeaderElectionRunnable.
type Scheduler struct {
	Schedule string
	Cycle    func(context.Context)
}

// New creates a Scheduler. The schedule is validated here so a bad
// expression fails startup instead of the first tick.
func New(schedule string, cycle func(context.Context)) (*Scheduler, error) {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return &Scheduler{Schedule: schedule, Cycle: cycle}, nil
}

// NeedLeaderElection returns true so cycles only run on the leader.
func (s *Scheduler) NeedLeaderElection() bool {
	return true
}

// Start runs scheduled cycles until ctx is cancelled, then waits for an
// in-flight cycle to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("scheduler")

	runner := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := runner.AddFunc(s.Schedule, func() { s.Cycle(ctx) }); err != nil {
		return fmt.Errorf("scheduling cycles: %w", err)
	}

	runner.Start()
	logger.Info("cycle scheduler started", "schedule", s.Schedule)

	<-ctx.Done()
	<-runner.Stop().Done()
	return nil
}
