package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDrainAllSucceed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, 4*time.Second, 2*time.Minute))
	rec, err := h.sched.EnqueueTargeted(origin, textItems(3, "hi"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !rec.NewSession || rec.Total != 3 || rec.SessionID != "s1" {
		t.Fatalf("receipt=%+v", rec)
	}
	if st := h.sched.Snapshot(); st.State != StateProcessing || st.Stats.Total != 3 {
		t.Fatalf("after enqueue: %+v", st)
	}

	for h.clock.Step() {
		checkInvariant(t, h.sched)
	}

	st := h.sched.Snapshot()
	if st.State != StateComplete || st.Stats.Sent != 3 || st.Stats.Failed != 0 || st.Remaining != 0 {
		t.Fatalf("final=%+v", st)
	}
	calls := h.sender.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls=%d", len(calls))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if calls[i].To.Username != want || calls[i].Part.Text != "hi" {
			t.Fatalf("call %d = %+v", i, calls[i])
		}
	}

	last := h.display.last()
	if last.Status != "Complete" || last.Percent != 100 {
		t.Fatalf("last summary=%+v", last)
	}
	if last.Elapsed != 12*time.Second {
		t.Fatalf("elapsed=%s", last.Elapsed)
	}
	if len(h.display.creates) != 1 {
		t.Fatalf("dashboard created %d times", len(h.display.creates))
	}
	if len(h.display.notices) != 1 || h.display.notices[0] != CompletionNotice {
		t.Fatalf("notices=%v", h.display.notices)
	}
}

func TestBatchCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(2, time.Second, 2*time.Minute))
	if _, err := h.sched.EnqueueBroadcast(origin, textItems(5, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cooldowns := 0
	for h.clock.Step() {
		checkInvariant(t, h.sched)
		st := h.sched.Snapshot()
		if st.State != StateCooldown {
			continue
		}
		cooldowns++
		if st.Batch != (BatchState{}) {
			t.Fatalf("batch not reset on cooldown: %+v", st.Batch)
		}
		if p := h.clock.Pending(); len(p) != 1 || p[0] != 2*time.Minute {
			t.Fatalf("pending=%v", p)
		}
		if got := h.sched.Summary().Status; got != "Cooling Down (120s)" {
			t.Fatalf("status=%q", got)
		}
		if left := st.Cooldown.Left(h.clock.Now()); left <= 0 {
			t.Fatalf("cooldown already over: %s", left)
		}
	}

	if cooldowns != 2 {
		t.Fatalf("cooldowns=%d want 2", cooldowns)
	}
	st := h.sched.Snapshot()
	if st.State != StateComplete || st.Stats.Sent != 5 {
		t.Fatalf("final=%+v", st)
	}
}

func TestFailedItemDoesNotStopQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	h.sender.fail = func(n int, _ Recipient, _ Part) error {
		if n == 2 {
			return errors.New("user blocked the bot")
		}
		return nil
	}
	if _, err := h.sched.EnqueueTargeted(origin, textItems(3, "hi")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for h.clock.Step() {
		checkInvariant(t, h.sched)
	}

	st := h.sched.Snapshot()
	if st.Stats.Sent != 2 || st.Stats.Failed != 1 || st.State != StateComplete {
		t.Fatalf("final=%+v", st)
	}
	if calls := h.sender.Calls(); len(calls) != 3 || calls[2].To.Username != "m3" {
		t.Fatalf("calls=%+v", calls)
	}
	if last := h.display.last(); last.Percent != 100 {
		t.Fatalf("percent=%d", last.Percent)
	}
}

func TestMultiPartFailureCountsOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failText string
	}{
		{"second part fails", "B"},
		{"first part fails", "A"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
			h.sender.fail = func(_ int, _ Recipient, p Part) error {
				if p.Text == tt.failText {
					return errors.New("boom")
				}
				return nil
			}
			items := ItemsFor(recipients(1), Multi(Part{Text: "A"}, Part{Text: "B"}))
			if _, err := h.sched.EnqueueTargeted(origin, items); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			h.drain()

			st := h.sched.Snapshot()
			if st.Stats.Sent != 0 || st.Stats.Failed != 1 {
				t.Fatalf("stats=%+v", st.Stats)
			}
			calls := h.sender.Calls()
			if len(calls) != 2 || calls[0].Part.Text != "A" || calls[1].Part.Text != "B" {
				t.Fatalf("calls=%+v", calls)
			}
			if len(h.sleeps) != 1 || h.sleeps[0] != 500*time.Millisecond {
				t.Fatalf("part spacing=%v", h.sleeps)
			}
		})
	}
}

func TestPromoSendsRichThenLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	rich := Part{Text: "caption", PhotoURL: "https://example.com/p.png"}
	link := Part{Text: "https://t.me/join"}
	rec, err := h.sched.EnqueuePromo(origin, recipients(2), rich, link)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rec.Total != 2 {
		t.Fatalf("receipt=%+v", rec)
	}
	h.drain()

	calls := h.sender.Calls()
	if len(calls) != 4 {
		t.Fatalf("calls=%d", len(calls))
	}
	if !calls[0].Part.Rich() || calls[1].Part.Rich() || calls[0].To != calls[1].To {
		t.Fatalf("unexpected order %+v", calls)
	}
	if st := h.sched.Snapshot(); st.Stats.Sent != 2 || st.Kind != KindPromo {
		t.Fatalf("final=%+v", st)
	}
}

func TestStopCancelsPendingContinuation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(2, time.Second, 2*time.Minute))
	if _, err := h.sched.EnqueueBroadcast(origin, textItems(5, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.clock.Step()
	h.clock.Step()
	h.clock.Step() // enters cooldown
	if st := h.sched.Snapshot(); st.State != StateCooldown {
		t.Fatalf("state=%s", st.State)
	}

	if n := h.sched.Stop(); n != 3 {
		t.Fatalf("dropped=%d want 3", n)
	}
	st := h.sched.Snapshot()
	if st.State != StateIdle || st.Remaining != 0 || st.Cooldown.Active {
		t.Fatalf("after stop: %+v", st)
	}
	if p := h.clock.Pending(); len(p) != 0 {
		t.Fatalf("pending after stop: %v", p)
	}

	h.clock.Advance(10 * time.Minute)
	if h.clock.Step() {
		t.Fatalf("a continuation fired after stop")
	}
	if n := h.sched.Stop(); n != 0 {
		t.Fatalf("second stop dropped %d", n)
	}
	if calls := len(h.sender.Calls()); calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestStopDuringDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	h.sender.hook = func(n int) {
		if n == 2 {
			h.sched.Stop()
		}
	}
	if _, err := h.sched.EnqueueTargeted(origin, textItems(4, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.drain()

	st := h.sched.Snapshot()
	if st.State != StateIdle || st.Remaining != 0 {
		t.Fatalf("final=%+v", st)
	}
	// the in-flight item is not recorded once the session is stopped
	if st.Stats.Sent != 1 {
		t.Fatalf("sent=%d", st.Stats.Sent)
	}
	if calls := len(h.sender.Calls()); calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestResetEnqueueRejectedWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	if _, err := h.sched.EnqueueTargeted(origin, textItems(3, "a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.clock.Step()
	before := h.sched.Snapshot()

	if _, err := h.sched.EnqueueBroadcast(origin, textItems(10, "b")); !errors.Is(err, ErrBusy) {
		t.Fatalf("broadcast err=%v", err)
	}
	if _, err := h.sched.EnqueuePromo(origin, recipients(10), Part{Text: "r"}, Part{Text: "l"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("promo err=%v", err)
	}
	if after := h.sched.Snapshot(); after != before {
		t.Fatalf("state changed:\nbefore=%+v\nafter=%+v", before, after)
	}

	h.drain()
	for _, c := range h.sender.Calls() {
		if c.Part.Text != "a" {
			t.Fatalf("rejected payload delivered: %+v", c)
		}
	}
}

func TestTargetedEnqueueIsAdditive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(2, time.Second, time.Minute))
	if _, err := h.sched.EnqueueTargeted(origin, textItems(3, "a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.clock.Step()
	h.clock.Step()
	h.clock.Step() // cooldown
	before := h.sched.Snapshot()

	rec, err := h.sched.EnqueueTargeted(origin, textItems(2, "b"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.NewSession || rec.Total != 5 || rec.SessionID != before.SessionID {
		t.Fatalf("receipt=%+v", rec)
	}
	after := h.sched.Snapshot()
	if after.Batch != before.Batch || after.Cooldown != before.Cooldown || after.State != StateCooldown {
		t.Fatalf("counters perturbed: before=%+v after=%+v", before, after)
	}
	checkInvariant(t, h.sched)

	for h.clock.Step() {
		checkInvariant(t, h.sched)
	}
	st := h.sched.Snapshot()
	if st.Stats.Total != 5 || st.Stats.Sent != 5 || st.State != StateComplete {
		t.Fatalf("final=%+v", st)
	}
}

func TestNewSessionAfterComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	if _, err := h.sched.EnqueueTargeted(origin, textItems(1, "a")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.drain()

	rec, err := h.sched.EnqueueBroadcast(origin, textItems(2, "b"))
	if err != nil {
		t.Fatalf("broadcast after complete: %v", err)
	}
	if !rec.NewSession || rec.SessionID != "s2" || rec.Total != 2 {
		t.Fatalf("receipt=%+v", rec)
	}
	st := h.sched.Snapshot()
	if st.Stats.Sent != 0 || st.Stats.Total != 2 {
		t.Fatalf("stats not reset: %+v", st.Stats)
	}
	h.drain()
	if len(h.display.creates) != 2 {
		t.Fatalf("each session gets its own dashboard; creates=%d", len(h.display.creates))
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	if _, err := h.sched.EnqueueTargeted(origin, nil); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("nil items err=%v", err)
	}
	if _, err := h.sched.EnqueueBroadcast(origin, []Item{{To: Recipient{UserID: 1}}}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty payload err=%v", err)
	}
	if st := h.sched.Snapshot(); st.State != StateIdle {
		t.Fatalf("state=%s", st.State)
	}

	h.sched.Close()
	if _, err := h.sched.EnqueueTargeted(origin, textItems(1, "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close err=%v", err)
	}
}

func TestSchedulerPublishesEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	if _, err := h.sched.EnqueueTargeted(origin, textItems(2, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.drain()

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{EventSessionStarted, EventItemSent, EventItemSent, EventCompleted}
	if len(types) != len(want) {
		t.Fatalf("events=%v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events=%v want %v", types, want)
		}
	}
}

func TestSetBounds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	if err := h.sched.SetBounds(Bounds{MinBatch: 0}); err == nil {
		t.Fatalf("invalid bounds accepted")
	}
	nb := fixedBounds(3, 2*time.Second, time.Minute)
	if err := h.sched.SetBounds(nb); err != nil {
		t.Fatalf("SetBounds: %v", err)
	}
	if h.sched.Bounds() != nb {
		t.Fatalf("bounds not applied")
	}
}

func TestSystemClockRunsSession(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	b := fixedBounds(35, time.Millisecond, time.Millisecond)
	b.PartSpacing = 0
	s, err := New(Options{Sender: sender, Bounds: b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := s.EnqueueTargeted(origin, textItems(3, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for s.Snapshot().State != StateComplete {
		select {
		case <-ctx.Done():
			t.Fatalf("session did not complete: %+v", s.Snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := len(sender.Calls()); got != 3 {
		t.Fatalf("calls=%d", got)
	}
}

func TestDashboardFailureDoesNotStopSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	h.display.failUpdate = func(n int) bool { return n == 1 }
	if _, err := h.sched.EnqueueTargeted(origin, textItems(4, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for h.clock.Step() {
		checkInvariant(t, h.sched)
	}

	st := h.sched.Snapshot()
	if st.State != StateComplete || st.Stats.Sent != 4 || st.Stats.Failed != 0 {
		t.Fatalf("final=%+v", st)
	}
	if n := len(h.sender.Calls()); n != 4 {
		t.Fatalf("calls=%d", n)
	}

	h.display.mu.Lock()
	defer h.display.mu.Unlock()
	if len(h.display.creates) != 2 {
		t.Fatalf("creates=%v, want a replacement after the failed update", h.display.creates)
	}
	if len(h.display.updates) == 0 {
		t.Fatal("no successful update after the replacement")
	}
	replacement := h.display.creates[1]
	for i, ref := range h.display.updates {
		if ref != replacement {
			t.Fatalf("update %d went to %+v, want %+v", i, ref, replacement)
		}
	}
	if last := h.display.summaries[len(h.display.summaries)-1]; last.State != StateComplete {
		t.Fatalf("last summary state=%s", last.State)
	}
}

func TestStopDoesNotWaitForSlowDashboard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fixedBounds(35, time.Second, time.Minute))
	if _, err := h.sched.EnqueueTargeted(origin, textItems(3, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.clock.Step() // first delivery; the dashboard now has a handle

	gate := h.display.hold()
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	refreshed := make(chan struct{})
	go func() {
		h.sched.Refresh(context.Background())
		close(refreshed)
	}()

	stopped := make(chan int, 1)
	go func() { stopped <- h.sched.Stop() }()
	select {
	case n := <-stopped:
		if n != 2 {
			t.Fatalf("dropped=%d want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind the dashboard")
	}
	if st := h.sched.Snapshot(); st.State != StateIdle {
		t.Fatalf("state=%s", st.State)
	}

	release()
	<-refreshed
	deadline := time.Now().Add(2 * time.Second)
	for h.display.last().State != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("stopped summary never rendered, last=%+v", h.display.last())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
