package app

import (
	"context"
	"time"

	"batchq/internal/eventbus"
	"batchq/internal/queue"
	logx "batchq/pkg/logx"
)

// logEvents turns queue notifications from the bus into log lines. Failures
// are throttled per task id.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	log := a.log.With(logx.String("comp", "events"))
	lastWarn := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(queue.Event)
			if !ok {
				log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				continue
			}
			switch ev.Kind {
			case queue.EventTaskFailed:
				if last, seen := lastWarn[ev.TaskID]; seen && e.Time.Sub(last) < time.Minute {
					continue
				}
				lastWarn[ev.TaskID] = e.Time
				log.Warn("task failed", logx.String("task", ev.TaskID), logx.String("reason", string(ev.Reason)), logx.Int("attempts", ev.Attempt))
			case queue.EventTaskRetry:
				log.Info("task retry", logx.String("task", ev.TaskID), logx.String("reason", string(ev.Reason)), logx.Int("attempt", ev.Attempt))
			case queue.EventTaskProgress:
				log.Trace("task progress", logx.String("task", ev.TaskID), logx.Int("current", ev.Progress.Current), logx.String("eta", ev.Progress.ETA))
			case queue.EventDrain:
				log.Info("queue drained")
				if len(lastWarn) > 1024 {
					clear(lastWarn)
				}
			default:
				log.Debug("event", logx.String("type", e.Type), logx.String("task", ev.TaskID))
			}
		}
	}
}
