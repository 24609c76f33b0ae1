package roster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bulkdm/internal/storage"
	logx "bulkdm/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Pruner periodically deletes roster rows not seen within the retention window.
type Pruner struct {
	store     storage.Store
	log       logx.Logger
	spec      string
	retention time.Duration
	now       func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

var pruneParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewPruner validates spec up front so a bad schedule fails at startup.
func NewPruner(store storage.Store, spec string, retention time.Duration, log logx.Logger) (*Pruner, error) {
	spec = strings.TrimSpace(spec)
	if _, err := pruneParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("roster.prune_schedule %q: %w", spec, err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("roster.retention must be > 0")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{
		store:     store,
		log:       log.With(logx.String("comp", "roster.pruner")),
		spec:      spec,
		retention: retention,
		now:       time.Now,
	}, nil
}

// RunOnce prunes immediately and returns the number of removed rows.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneMembers(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune roster: %w", err)
	}
	if n > 0 {
		p.log.Info("roster pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

// Start schedules the job. It is a no-op when already started.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(pruneParser))
	_, err := c.AddFunc(p.spec, func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := p.RunOnce(rctx); err != nil {
			p.log.Warn("roster prune failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	p.c = c
	p.log.Debug("pruner started", logx.String("schedule", p.spec), logx.Duration("retention", p.retention))
	return nil
}

// Stop waits for a running prune to finish or ctx to expire.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
