package daemon

import (
	"context"
	"time"

	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
	"lockbox/internal/notifications"
)

// eventBuffer bounds how far the pump may fall behind observers before they
// block.
const eventBuffer = 256

// eventPump moves lockbox events off the observer path onto one worker so
// journal writes, bus publishes and notifications never hold up the lockbox.
type eventPump struct {
	ctx    context.Context
	events chan lockbox.Event
	done   chan struct{}
}

func newEventPump(ctx context.Context) *eventPump {
	return &eventPump{
		ctx:    ctx,
		events: make(chan lockbox.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (p *eventPump) send(e lockbox.Event) {
	select {
	case p.events <- e:
	case <-p.ctx.Done():
	}
}

func (p *eventPump) run(handle func(context.Context, lockbox.Event)) {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			// Drain what observers already queued so the journal stays complete.
			for {
				select {
				case e := <-p.events:
					handle(context.Background(), e)
				default:
					return
				}
			}
		case e := <-p.events:
			handle(p.ctx, e)
		}
	}
}

func (p *eventPump) wait() {
	<-p.done
}

// enqueue is the lockbox observer.
func (d *Daemon) enqueue(e lockbox.Event) {
	if pump := d.pump.Load(); pump != nil {
		pump.send(e)
	}
}

func (d *Daemon) handleEvent(ctx context.Context, e lockbox.Event) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.Observe(e)
	}
	if d.deps.Journal != nil {
		if err := d.deps.Journal.Record(ctx, e); err != nil {
			logging.WarnWithContext(d.logger, "journal write failed", "journal_write_failed",
				logging.Error(err),
				logging.String("event", string(e.Type)),
				logging.String(logging.FieldImpact, "run history incomplete"),
			)
		}
	}
	if err := d.deps.Bus.Publish(ctx, e); err != nil {
		logging.WarnWithContext(d.logger, "state bus publish failed", "statebus_publish_failed",
			logging.Error(err),
			logging.String("event", string(e.Type)),
			logging.String(logging.FieldImpact, "subscribers miss this state change"),
		)
	}

	if e.Type != lockbox.EventRunFinished {
		return
	}
	if e.Locked {
		d.notify(ctx, notifications.EventLockAcquired, notifications.Payload{
			"stage":   e.Stage,
			"elapsed": e.Elapsed.Round(time.Millisecond),
			"run_id":  e.RunID,
		})
		return
	}
	reason := e.Error
	if reason == "" {
		reason = "sequence finished unlocked"
	}
	d.notify(ctx, notifications.EventRelockFailed, notifications.Payload{
		"reason": reason,
		"run_id": e.RunID,
	})
}

func (d *Daemon) handleEvaluation(ctx context.Context, ev lockbox.Evaluation, err error, lost bool) {
	if err != nil {
		logging.WarnWithContext(d.logger, "lock status check failed", "lock_status_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the signal inputs"),
		)
		return
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.ObserveEvaluation(ev)
	}
	if !lost {
		return
	}
	logging.WarnWithContext(d.logger, "lock lost", "lock_lost",
		logging.String(logging.FieldStage, ev.Stage),
		logging.String(logging.FieldDecisionReason, string(ev.Reason)),
		logging.Float64("mean", ev.Mean),
		logging.String(logging.FieldImpact, "autolock relocks when enabled"),
	)
	d.notify(ctx, notifications.EventLockLost, notifications.Payload{
		"reason": ev.Reason,
		"stage":  ev.Stage,
	})
}

func (d *Daemon) handleDevice(ctx context.Context, change DeviceChange) {
	d.notify(ctx, notifications.EventDeviceChanged, notifications.Payload{
		"device": change.Device,
		"action": change.Action,
	})
	if change.Action != "remove" {
		return
	}
	// Outputs may be gone; drop any run and stop driving them.
	if err := d.deps.Lockbox.Unlock(ctx, false); err != nil {
		logging.WarnWithContext(d.logger, "unlock after device removal failed", "device_unlock_failed",
			logging.Error(err),
			logging.String("device", change.Device),
		)
	}
}

func (d *Daemon) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if d.deps.Notifier == nil {
		return
	}
	if err := d.deps.Notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(d.logger, "notification failed", "notification_failed",
			logging.Error(err),
			logging.String("notification", string(event)),
			logging.String(logging.FieldErrorHint, "check ntfy topic and network"),
		)
	}
}
