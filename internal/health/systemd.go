package health

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bulkdm/pkg/logx"
)

// Notifier reports lifecycle state over sd_notify. Outside systemd
// (no NOTIFY_SOCKET) every call is a no-op.
type Notifier struct {
	log logx.Logger

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// RunWatchdog pings the systemd watchdog at half the configured interval
// until ctx is done. Without WatchdogSec it just waits for ctx.
func (n *Notifier) RunWatchdog(ctx context.Context) error {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog check failed", logx.Err(err))
	}
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	tick := time.NewTicker(every / 2)
	defer tick.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
