package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkdm/internal/eventbus"
	kit "bulkdm/internal/transport"
	logx "bulkdm/pkg/logx"
)

// CompletionNotice is posted to the origin chat when a session drains.
const CompletionNotice = "✅ <b>Batch processing complete.</b>"

// Sender delivers one part to one recipient.
type Sender interface {
	Send(ctx context.Context, to Recipient, part Part) error
}

type Options struct {
	Sender  Sender
	Display Display // optional
	Bounds  Bounds  // zero value means DefaultBounds()
	Clock   Clock
	Rand    Rand
	Sleep   SleepFunc
	Logger  logx.Logger
	Bus     eventbus.Bus // optional

	NewSessionID func() string
}

// Receipt describes the effect of an accepted enqueue.
type Receipt struct {
	SessionID  string
	Added      int
	Total      int
	NewSession bool
}

// Snapshot is a read-only copy of the scheduler state.
type Snapshot struct {
	State     State
	Stats     Stats
	Batch     BatchState
	Cooldown  CooldownState
	Remaining int
	SessionID string
	Kind      string
	Origin    kit.ChatTarget
}

// Scheduler is the single dispatch loop. All methods are safe for concurrent use.
type Scheduler struct {
	sender  Sender
	display Display
	clock   Clock
	rand    Rand
	sleep   SleepFunc
	log     logx.Logger
	bus     eventbus.Bus
	newID   func() string

	base       context.Context
	baseCancel context.CancelFunc

	// sendMu serializes deliveries across sessions.
	sendMu sync.Mutex

	mu        sync.Mutex
	bounds    Bounds
	queue     *Queue
	stats     *Tracker
	batch     BatchState
	cooldown  CooldownState
	state     State
	epoch     uint64 // bumped whenever pending continuations must become no-ops
	timer     Timer
	runCancel context.CancelFunc
	runCtx    context.Context
	session   string
	kind      string
	origin    kit.ChatTarget
	board     *Dashboard
	version   uint64
	closed    bool

	// renders tracks dashboard refreshes handed off by Stop.
	renders sync.WaitGroup
}

func New(opts Options) (*Scheduler, error) {
	if opts.Sender == nil {
		return nil, errors.New("dispatch: sender is required")
	}
	b := opts.Bounds
	if b == (Bounds{}) {
		b = DefaultBounds()
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Rand == nil {
		opts.Rand = NewRand(opts.Clock.Now().UnixNano())
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}

	q := NewQueue()
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sender:     opts.Sender,
		display:    opts.Display,
		clock:      opts.Clock,
		rand:       opts.Rand,
		sleep:      opts.Sleep,
		log:        opts.Logger,
		bus:        opts.Bus,
		newID:      opts.NewSessionID,
		base:       base,
		baseCancel: cancel,
		bounds:     b,
		queue:      q,
		stats:      NewTracker(q),
	}, nil
}

// SetBounds swaps the pacing ranges; they apply at the next sampling point.
func (s *Scheduler) SetBounds(b Bounds) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.bounds = b
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Bounds() Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// EnqueueTargeted appends items. When no session is running it starts one
// with total = len(items); otherwise total grows by len(items) and the
// batch and cooldown counters are left alone.
func (s *Scheduler) EnqueueTargeted(origin kit.ChatTarget, items []Item) (Receipt, error) {
	if err := checkItems(items); err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	if s.state.Running() {
		s.queue.Append(cloneItems(items)...)
		s.stats.Add(len(items))
		st := s.stats.Stats()
		rec := Receipt{SessionID: s.session, Added: len(items), Total: st.Total}
		queued := s.queue.Len()
		s.mu.Unlock()

		s.log.Info("items appended to running session",
			logx.String("session", rec.SessionID),
			logx.Int("added", rec.Added),
			logx.Int("total", rec.Total),
		)
		s.publish(EventItemsAdded, EventData{SessionID: rec.SessionID, Kind: KindTargeted, Count: rec.Added, Queue: queued, Stats: st})
		return rec, nil
	}
	rec := s.startLocked(origin, items, KindTargeted)
	s.mu.Unlock()

	s.started(rec, KindTargeted)
	return rec, nil
}

// EnqueueBroadcast replaces the queue with items and starts a new session.
// It returns ErrBusy without touching any state while a session is running.
func (s *Scheduler) EnqueueBroadcast(origin kit.ChatTarget, items []Item) (Receipt, error) {
	return s.enqueueReset(origin, items, KindBroadcast)
}

// EnqueuePromo is EnqueueBroadcast with the two-part payload [rich, link]
// for every recipient.
func (s *Scheduler) EnqueuePromo(origin kit.ChatTarget, recipients []Recipient, rich, link Part) (Receipt, error) {
	return s.enqueueReset(origin, ItemsFor(recipients, Multi(rich, link)), KindPromo)
}

func (s *Scheduler) enqueueReset(origin kit.ChatTarget, items []Item, kind string) (Receipt, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	if s.state.Running() {
		session, st, queued := s.session, s.stats.Stats(), s.queue.Len()
		s.mu.Unlock()
		s.log.Warn("enqueue rejected; session running", logx.String("kind", kind), logx.String("session", session))
		s.publish(EventRejected, EventData{SessionID: session, Kind: kind, Count: len(items), Queue: queued, Stats: st})
		return Receipt{}, ErrBusy
	}
	if err := checkItems(items); err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	rec := s.startLocked(origin, items, kind)
	s.mu.Unlock()

	s.started(rec, kind)
	return rec, nil
}

func checkItems(items []Item) error {
	if len(items) == 0 {
		return ErrNoRecipients
	}
	for _, it := range items {
		if len(it.Payload) == 0 {
			return ErrEmptyPayload
		}
	}
	return nil
}

// startLocked resets the session and schedules the first tick. s.mu must be held.
func (s *Scheduler) startLocked(origin kit.ChatTarget, items []Item, kind string) Receipt {
	s.cancelPendingLocked()

	s.queue.Clear()
	s.queue.Append(cloneItems(items)...)
	s.stats.Reset(len(items), s.clock.Now())
	s.batch = BatchState{}
	s.cooldown = CooldownState{}
	s.state = StateProcessing
	s.session = s.newID()
	s.kind = kind
	s.origin = origin
	s.runCtx, s.runCancel = context.WithCancel(s.base)
	s.board = NewDashboard(s.display, origin, s.log.With(logx.String("session", s.session)), s.dashboardFailed)

	epoch := s.epoch
	s.timer = s.clock.AfterFunc(0, func() { s.tick(epoch) })

	return Receipt{SessionID: s.session, Added: len(items), Total: len(items), NewSession: true}
}

func (s *Scheduler) started(rec Receipt, kind string) {
	s.log.Info("dispatch session started",
		logx.String("session", rec.SessionID),
		logx.String("kind", kind),
		logx.Int("items", rec.Total),
	)
	s.publish(EventSessionStarted, EventData{SessionID: rec.SessionID, Kind: kind, Count: rec.Total, Queue: rec.Total})
}

// cancelPendingLocked invalidates the pending continuation and any in-flight delivery.
func (s *Scheduler) cancelPendingLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
}

// Stop clears the queue, cancels the pending continuation and returns to
// Idle. It returns the number of dropped items and is idempotent.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	wasRunning := s.state.Running()
	dropped := s.queue.Clear()
	s.cancelPendingLocked()
	s.cooldown = CooldownState{}
	s.state = StateIdle
	sum, board := s.summaryLocked(), s.board
	session, kind, st := s.session, s.kind, s.stats.Stats()
	s.mu.Unlock()

	if !wasRunning && dropped == 0 {
		return 0
	}
	s.log.Info("dispatch session stopped",
		logx.String("session", session),
		logx.Int("dropped", dropped),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
	)
	s.publish(EventStopped, EventData{SessionID: session, Kind: kind, Count: dropped, Stats: st})

	// A slow in-flight render holds the dashboard; Stop must not wait behind it.
	// The summary's version keeps an older render from overwriting this one.
	s.renders.Add(1)
	go func() {
		defer s.renders.Done()
		board.Render(s.base, sum)
	}()
	return dropped
}

// Close stops the scheduler for good.
func (s *Scheduler) Close() {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.baseCancel()
	s.renders.Wait()
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.state,
		Stats:     s.stats.Stats(),
		Batch:     s.batch,
		Cooldown:  s.cooldown,
		Remaining: s.queue.Len(),
		SessionID: s.session,
		Kind:      s.kind,
		Origin:    s.origin,
	}
}

func (s *Scheduler) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

// Refresh re-renders the dashboard of the current session.
// It reports false when no session has been started yet.
func (s *Scheduler) Refresh(ctx context.Context) bool {
	s.mu.Lock()
	sum, board := s.summaryLocked(), s.board
	s.mu.Unlock()
	if board == nil {
		return false
	}
	board.Render(ctx, sum)
	return true
}

func (s *Scheduler) summaryLocked() Summary {
	s.version++
	sum := Summarize(SummaryInput{
		State:     s.state,
		Stats:     s.stats.Stats(),
		Batch:     s.batch,
		Cooldown:  s.cooldown,
		Remaining: s.queue.Len(),
		Now:       s.clock.Now(),
		Bounds:    s.bounds,
		SessionID: s.session,
	})
	sum.Version = s.version
	return sum
}

// tick runs one step of the loop. Continuations from an older epoch are ignored.
func (s *Scheduler) tick(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || !s.state.Running() {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	now := s.clock.Now()
	session, kind := s.session, s.kind

	if s.state == StateCooldown {
		s.state = StateProcessing
		s.cooldown = CooldownState{}
		s.log.Info("cooldown finished; resuming", logx.String("session", session), logx.Int("remaining", s.queue.Len()))
		s.publish(EventCooldownEnded, EventData{SessionID: session, Kind: kind, Queue: s.queue.Len()})
	}

	if s.queue.Len() == 0 {
		s.state = StateComplete
		if s.runCancel != nil {
			s.runCancel()
			s.runCancel = nil
		}
		sum, board, st := s.summaryLocked(), s.board, s.stats.Stats()
		s.mu.Unlock()

		s.log.Info("dispatch session complete",
			logx.String("session", session),
			logx.Int("total", st.Total),
			logx.Int("sent", st.Sent),
			logx.Int("failed", st.Failed),
			logx.Duration("took", now.Sub(st.StartedAt)),
		)
		s.publish(EventCompleted, EventData{SessionID: session, Kind: kind, Stats: st})
		board.Render(s.base, sum)
		board.Notice(s.base, CompletionNotice)
		return
	}

	if s.batch.Limit == 0 {
		s.batch = BatchState{Limit: s.bounds.SampleBatch(s.rand)}
		s.log.Debug("new batch", logx.String("session", session), logx.Int("limit", s.batch.Limit))
	}

	if s.batch.Count >= s.batch.Limit {
		d := s.bounds.SampleCooldown(s.rand)
		s.state = StateCooldown
		s.cooldown = CooldownState{Active: true, Until: now.Add(d)}
		s.batch = BatchState{}
		s.timer = s.clock.AfterFunc(d, func() { s.tick(epoch) })
		sum, board, queued := s.summaryLocked(), s.board, s.queue.Len()
		s.mu.Unlock()

		s.log.Info("batch limit reached; cooling down",
			logx.String("session", session),
			logx.Duration("cooldown", d),
			logx.Int("remaining", queued),
		)
		s.publish(EventCooldownStarted, EventData{SessionID: session, Kind: kind, Duration: d, Queue: queued})
		board.Render(s.base, sum)
		return
	}

	it, _ := s.queue.Front()
	ctx, spacing := s.runCtx, s.bounds.PartSpacing
	s.mu.Unlock()

	err := s.deliver(ctx, it, spacing)

	s.mu.Lock()
	if epoch != s.epoch {
		// stopped or replaced while the delivery was in flight
		s.mu.Unlock()
		return
	}
	s.queue.PopFront()
	if err != nil {
		s.stats.RecordFailure()
	} else {
		s.stats.RecordSuccess()
	}
	s.batch.Count++
	sum, board, st, queued := s.summaryLocked(), s.board, s.stats.Stats(), s.queue.Len()
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("delivery failed", logx.String("session", session), logx.String("to", it.To.String()), logx.Err(err))
		s.publish(EventItemFailed, EventData{SessionID: session, Kind: kind, Recipient: it.To, Queue: queued, Stats: st, Err: err.Error()})
	} else {
		s.log.Debug("delivered", logx.String("session", session), logx.String("to", it.To.String()), logx.Int("parts", len(it.Payload)))
		s.publish(EventItemSent, EventData{SessionID: session, Kind: kind, Recipient: it.To, Queue: queued, Stats: st})
	}

	board.Render(s.base, sum)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	d := s.bounds.SampleDelay(s.rand)
	s.timer = s.clock.AfterFunc(d, func() { s.tick(epoch) })
}

// deliver sends every part in order. A failed part fails the item but the
// remaining parts are still attempted.
func (s *Scheduler) deliver(ctx context.Context, it Item, spacing time.Duration) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var failed error
	for i, p := range it.Payload {
		if i > 0 {
			if err := s.sleep(ctx, spacing); err != nil {
				return errors.Join(failed, err)
			}
		}
		if err := s.sender.Send(ctx, it.To, p); err != nil && failed == nil {
			failed = fmt.Errorf("part %d/%d: %w", i+1, len(it.Payload), err)
		}
	}
	return failed
}

func (s *Scheduler) dashboardFailed(op string, err error) {
	s.mu.Lock()
	session, kind := s.session, s.kind
	s.mu.Unlock()
	s.publish(EventDashboardFailed, EventData{SessionID: session, Kind: kind, Err: op + ": " + err.Error()})
}

func (s *Scheduler) publish(typ string, data EventData) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
