package app

import (
	"context"
	"fmt"
	"time"

	"batchq/internal/config"
	"batchq/internal/queue"
	"batchq/internal/shell"
	logx "batchq/pkg/logx"
)

func (a *App) applySchedules(cfg *config.Config) error {
	scheds, jobs, err := mapSchedules(cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.jobs = jobs
	a.mu.Unlock()
	return a.trig.Replace(scheds)
}

// submitScheduled is the trigger callback. Outcomes are only logged; a
// firing that finds its previous run still pending merges into it.
func (a *App) submitScheduled(_ context.Context, name string, firedAt time.Time) error {
	a.mu.Lock()
	job, ok := a.jobs[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s has no job", name)
	}

	log := a.log.With(logx.String("schedule", name), logx.String("task", job.taskID))
	a.queue.Submit(queue.Task[shell.Command]{ID: job.taskID, Data: job.cmd, Total: job.total},
		queue.WithCallback(func(_ any, err error) {
			took := time.Since(firedAt)
			if err != nil {
				log.Warn("scheduled task failed", logx.Err(err), logx.Duration("took", took))
				return
			}
			log.Info("scheduled task finished", logx.Duration("took", took))
		}),
	)
	log.Debug("schedule submitted")
	return nil
}
