package commands

import (
	"context"
	"time"

	"bulkdm/internal/dispatch"
	"bulkdm/internal/eventbus"
	"bulkdm/internal/storage"
	logx "bulkdm/pkg/logx"
)

const auditTimeout = 5 * time.Second

// Auditor appends operator actions and session outcomes to the store.
// A nil Auditor records nothing.
type Auditor struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewAuditor(store storage.Store, log logx.Logger) *Auditor {
	if store == nil {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Auditor{store: store, log: log.With(logx.String("comp", "audit")), now: time.Now}
}

// Record stores e. Failures are logged, never returned.
func (a *Auditor) Record(ctx context.Context, e storage.AuditEntry) {
	if a == nil {
		return
	}
	if e.At.IsZero() {
		e.At = a.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// Run records session completions and stops published on bus until ctx is done.
func (a *Auditor) Run(ctx context.Context, bus eventbus.Bus) error {
	if a == nil || bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Auditor) handle(ctx context.Context, ev eventbus.Event) {
	d, ok := ev.Data.(dispatch.EventData)
	if !ok {
		return
	}
	var action string
	meta := map[string]any{"total": d.Stats.Total}
	switch ev.Type {
	case dispatch.EventSessionStarted:
		action = "session_started"
		meta["total"] = d.Count
	case dispatch.EventCompleted:
		action = "session_completed"
	case dispatch.EventStopped:
		action = "session_stopped"
		meta["dropped"] = d.Count
	default:
		return
	}
	a.Record(ctx, storage.AuditEntry{
		At:        ev.Time,
		Action:    action,
		Target:    d.Kind,
		SessionID: d.SessionID,
		OK:        d.Stats.Sent,
		Fail:      d.Stats.Failed,
		MetaJSON:  metaJSON(meta),
	})
}
