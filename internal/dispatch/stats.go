package dispatch

import "time"

// Tracker holds session counters. Remaining is read live from the queue.
type Tracker struct {
	stats Stats
	queue *Queue
}

func NewTracker(q *Queue) *Tracker { return &Tracker{queue: q} }

// Reset starts a new session with the given total.
func (t *Tracker) Reset(total int, now time.Time) {
	t.stats = Stats{Total: total, StartedAt: now}
}

// Add grows total by n. Only enqueue paths call it.
func (t *Tracker) Add(n int) { t.stats.Total += n }

func (t *Tracker) RecordSuccess() { t.stats.Sent++ }

func (t *Tracker) RecordFailure() { t.stats.Failed++ }

// Elapsed is the time since the session started, 0 before any session.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	if t.stats.StartedAt.IsZero() {
		return 0
	}
	if d := now.Sub(t.stats.StartedAt); d > 0 {
		return d
	}
	return 0
}

func (t *Tracker) Remaining() int {
	if t.queue == nil {
		return 0
	}
	return t.queue.Len()
}

func (t *Tracker) Stats() Stats { return t.stats }
