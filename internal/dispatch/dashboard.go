package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	kit "bulkdm/internal/transport"
	logx "bulkdm/pkg/logx"
)

const displayOpTimeout = 10 * time.Second

// Display creates and edits the status artifact shown to the operator.
type Display interface {
	Create(ctx context.Context, to kit.ChatTarget, s Summary) (kit.MessageRef, error)
	Update(ctx context.Context, ref kit.MessageRef, s Summary) error
	Notice(ctx context.Context, to kit.ChatTarget, text string) error
}

// Dashboard is the handle machine of one session's status artifact:
// no handle until the first successful Create, Update while a handle
// exists, and a replacement Create when an Update fails.
//
// All methods are nil-safe and never return errors.
type Dashboard struct {
	display Display
	to      kit.ChatTarget
	log     logx.Logger
	onFail  func(op string, err error)

	mu      sync.Mutex
	ref     kit.MessageRef
	hasRef  bool
	version uint64
}

func NewDashboard(display Display, to kit.ChatTarget, log logx.Logger, onFail func(op string, err error)) *Dashboard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dashboard{display: display, to: to, log: log, onFail: onFail}
}

// Handle returns the current artifact reference, if any.
func (d *Dashboard) Handle() (kit.MessageRef, bool) {
	if d == nil {
		return kit.MessageRef{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ref, d.hasRef
}

// Render shows s, creating or replacing the artifact as needed.
func (d *Dashboard) Render(ctx context.Context, s Summary) {
	if d == nil || d.display == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.failed("render", fmt.Errorf("panic: %v", r))
		}
	}()

	if s.Version != 0 && s.Version < d.version {
		return
	}
	d.version = s.Version

	if d.hasRef {
		uctx, cancel := context.WithTimeout(ctx, displayOpTimeout)
		err := d.display.Update(uctx, d.ref, s)
		cancel()
		if err == nil {
			return
		}
		d.failed("update", err)
		d.hasRef = false
	}

	cctx, cancel := context.WithTimeout(ctx, displayOpTimeout)
	ref, err := d.display.Create(cctx, d.to, s)
	cancel()
	if err != nil {
		d.failed("create", err)
		return
	}
	d.ref = ref
	d.hasRef = true
}

// Notice posts a one-off message next to the dashboard.
func (d *Dashboard) Notice(ctx context.Context, text string) {
	if d == nil || d.display == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, displayOpTimeout)
	defer cancel()
	if err := d.display.Notice(nctx, d.to, text); err != nil {
		d.failed("notice", err)
	}
}

func (d *Dashboard) failed(op string, err error) {
	d.log.Warn("dashboard "+op+" failed", logx.Int64("chat_id", d.to.ChatID), logx.Err(err))
	if d.onFail != nil {
		d.onFail(op, err)
	}
}
