package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bulkdm/internal/eventbus"
	kit "bulkdm/internal/transport"
)

// manualClock fires timers only when Step is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	seq     int
	f       func()
	done    bool
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Pending returns the live timers' delays relative to now.
func (c *manualClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.done && !t.stopped {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

// Step advances to the earliest live timer and runs it synchronously.
func (c *manualClock) Step() bool {
	c.mu.Lock()
	var next *manualTimer
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.done || t.stopped {
			continue
		}
		live = append(live, t)
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	c.timers = live
	if next == nil {
		c.mu.Unlock()
		return false
	}
	next.done = true
	if next.at.After(c.now) {
		c.now = next.at
	}
	c.mu.Unlock()
	next.f()
	return true
}

// Advance moves time forward without firing anything.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sendCall struct {
	To   Recipient
	Part Part
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	fail  func(n int, to Recipient, p Part) error
	hook  func(n int)
}

func (f *fakeSender) Send(ctx context.Context, to Recipient, p Part) error {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{To: to, Part: p})
	n := len(f.calls)
	fail, hook := f.fail, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if fail != nil {
		return fail(n, to, p)
	}
	return nil
}

func (f *fakeSender) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type fakeDisplay struct {
	mu         sync.Mutex
	next       int
	creates    []kit.MessageRef
	updates    []kit.MessageRef
	summaries  []Summary
	notices    []string
	updateCall int
	failUpdate func(n int) bool
	failCreate func(n int) bool
	// gate, when set, holds every Update until it is closed.
	gate chan struct{}
}

func (d *fakeDisplay) hold() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	return d.gate
}

func (d *fakeDisplay) Create(_ context.Context, to kit.ChatTarget, s Summary) (kit.MessageRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate != nil && d.failCreate(len(d.creates)+1) {
		return kit.MessageRef{}, errors.New("create failed")
	}
	d.next++
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: d.next}
	d.creates = append(d.creates, ref)
	d.summaries = append(d.summaries, s)
	return ref, nil
}

func (d *fakeDisplay) Update(_ context.Context, ref kit.MessageRef, s Summary) error {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCall++
	if d.failUpdate != nil && d.failUpdate(d.updateCall) {
		return fmt.Errorf("message %d deleted", ref.MessageID)
	}
	d.updates = append(d.updates, ref)
	d.summaries = append(d.summaries, s)
	return nil
}

func (d *fakeDisplay) Notice(_ context.Context, _ kit.ChatTarget, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, text)
	return nil
}

func (d *fakeDisplay) last() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.summaries) == 0 {
		return Summary{}
	}
	return d.summaries[len(d.summaries)-1]
}

type harness struct {
	t       *testing.T
	clock   *manualClock
	sender  *fakeSender
	display *fakeDisplay
	sleeps  []time.Duration
	bus     eventbus.Bus
	sched   *Scheduler
}

// fixedBounds makes every sample deterministic.
func fixedBounds(batch int, delay, cooldown time.Duration) Bounds {
	return Bounds{
		MinDelay: delay, MaxDelay: delay,
		MinBatch: batch, MaxBatch: batch,
		MinCooldown: cooldown, MaxCooldown: cooldown,
		PartSpacing: 500 * time.Millisecond,
		AvgPerItem:  14 * time.Second,
	}
}

func newHarness(t *testing.T, b Bounds) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   newManualClock(),
		sender:  &fakeSender{},
		display: &fakeDisplay{},
		bus:     eventbus.New(),
	}
	ids := 0
	s, err := New(Options{
		Sender:  h.sender,
		Display: h.display,
		Bounds:  b,
		Clock:   h.clock,
		Rand:    NewRand(1),
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
		Bus: h.bus,
		NewSessionID: func() string {
			ids++
			return fmt.Sprintf("s%d", ids)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sched = s
	t.Cleanup(s.Close)
	return h
}

// drain steps the clock until no continuation is pending.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		if !h.clock.Step() {
			return
		}
	}
	h.t.Fatal("scheduler did not settle")
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{UserID: int64(100 + i), Username: fmt.Sprintf("m%d", i+1)}
	}
	return out
}

func textItems(n int, text string) []Item {
	return ItemsFor(recipients(n), Single(Part{Text: text}))
}

var origin = kit.ChatTarget{ChatID: -1001, ThreadID: 7}

func checkInvariant(t *testing.T, s *Scheduler) {
	t.Helper()
	snap := s.Snapshot()
	if got := snap.Stats.Sent + snap.Stats.Failed + snap.Remaining; got != snap.Stats.Total {
		t.Fatalf("sent+failed+queue = %d, want total %d (snap=%+v)", got, snap.Stats.Total, snap)
	}
	if snap.Batch.Count < 0 || snap.Batch.Count > snap.Batch.Limit {
		t.Fatalf("batch count %d outside [0,%d]", snap.Batch.Count, snap.Batch.Limit)
	}
}
