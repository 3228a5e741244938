package app

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/notify"
	"notifyd/internal/queue"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type auditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// auditTopics are the events worth keeping after the logs rotate.
var auditTopics = []string{
	eventbus.JobFailed,
	eventbus.ExecutionFinished,
	eventbus.ScheduleChanged,
	eventbus.DispatchCancel,
}

// auditEntry converts an event to a row. ok is false for events that are
// not recorded (successful executions, cancels that removed nothing).
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	out := storage.AuditEntry{At: e.Time, Kind: e.Type}
	switch d := e.Data.(type) {
	case queue.JobEvent:
		out.Subject = d.ID
		out.Detail = fmt.Sprintf("recipient=%s trigger=%s channel=%s attempts=%d error=%s",
			d.Recipient, d.Trigger, d.Channel, d.Attempt, d.Error)
	case notify.Execution:
		if d.Status != notify.ExecutionFailed {
			return out, false
		}
		out.Subject = d.ScheduleID
		out.Detail = fmt.Sprintf("execution=%s by=%s error=%s", d.ID, d.TriggeredBy, d.Error)
	case dispatch.Event:
		if d.Canceled == 0 {
			return out, false
		}
		out.Subject = d.User
		out.Detail = fmt.Sprintf("trigger=%s actor=%s canceled=%d", d.Trigger, d.Actor, d.Canceled)
	case map[string]any:
		action, _ := d["action"].(string)
		sc, _ := d["schedule"].(notify.Schedule)
		out.Subject = sc.ID
		out.Detail = fmt.Sprintf("action=%s name=%s", action, sc.Name)
	default:
		return out, false
	}
	if out.At.IsZero() {
		out.At = time.Now()
	}
	return out, true
}

// recordAudit drains events until ctx ends. Write failures are logged and
// skipped.
func recordAudit(ctx context.Context, events <-chan eventbus.Event, sink auditSink, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, keep := auditEntry(e)
			if !keep {
				continue
			}
			if err := sink.AppendAudit(ctx, entry); err != nil && ctx.Err() == nil {
				log.Warn("audit write failed", logx.String("kind", entry.Kind), logx.Err(err))
			}
		}
	}
}
