package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// task is one background loop, either on a fixed interval or a cron schedule.
type task struct {
	name     string
	run      func(context.Context) error
	interval time.Duration
	schedule *Schedule
}

// Orchestrator runs the worker-mode jobs until its context is cancelled. A
// failed run is logged and retried on the next tick; only a bad schedule
// stops the orchestrator.
type Orchestrator struct {
	tasks  []task
	now    func() time.Time
	logger *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Every registers run on a fixed interval. The first run happens at start.
func (o *Orchestrator) Every(name string, interval time.Duration, run func(context.Context) error) *Orchestrator {
	o.tasks = append(o.tasks, task{name: name, run: run, interval: interval})
	return o
}

// Cron registers run on a cron expression.
func (o *Orchestrator) Cron(name, expr string, run func(context.Context) error) error {
	s, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("pipeline: job %s: %w", name, err)
	}
	o.tasks = append(o.tasks, task{name: name, run: run, schedule: &s})
	return nil
}

// Jobs lists the registered job names in registration order.
func (o *Orchestrator) Jobs() []string {
	out := make([]string, len(o.tasks))
	for i, t := range o.tasks {
		out[i] = t.name
	}
	return out
}

// Run starts every job in its own goroutine and blocks until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline: orchestrator starting", slog.Any("jobs", o.Jobs()))

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range o.tasks {
		g.Go(func() error {
			var err error
			if t.schedule != nil {
				err = o.runCron(ctx, t)
			} else {
				err = o.runEvery(ctx, t)
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline: orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline: orchestrator stopped")
	return nil
}

func (o *Orchestrator) runOnce(ctx context.Context, t task) {
	start := time.Now()
	if err := t.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.ErrorContext(ctx, "pipeline: job failed",
			slog.String("job", t.name),
			slog.String("error", err.Error()),
		)
		return
	}
	o.logger.DebugContext(ctx, "pipeline: job done",
		slog.String("job", t.name),
		slog.Duration("took", time.Since(start)),
	)
}

func (o *Orchestrator) runEvery(ctx context.Context, t task) error {
	if t.interval <= 0 {
		return fmt.Errorf("pipeline: job %s: interval must be positive", t.name)
	}
	o.runOnce(ctx, t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runOnce(ctx, t)
		}
	}
}

func (o *Orchestrator) runCron(ctx context.Context, t task) error {
	for {
		next, err := t.schedule.Next(o.now())
		if err != nil {
			return err
		}
		wait := next.Sub(o.now())
		o.logger.DebugContext(ctx, "pipeline: waiting for cron",
			slog.String("job", t.name),
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			o.runOnce(ctx, t)
		}
	}
}
