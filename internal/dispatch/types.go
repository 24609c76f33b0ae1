package dispatch

import (
	"strconv"
	"time"

	kit "bulkdm/internal/transport"
)

// Recipient identifies a user that receives a private message.
type Recipient struct {
	UserID   int64
	Username string
}

// Target is the private chat with the recipient.
func (r Recipient) Target() kit.ChatTarget { return kit.ChatTarget{ChatID: r.UserID} }

func (r Recipient) String() string {
	if r.Username != "" {
		return "@" + r.Username
	}
	return strconv.FormatInt(r.UserID, 10)
}

// Part is one content unit. A part with PhotoURL is sent as a photo with
// Text as its caption.
type Part struct {
	Text     string
	PhotoURL string
	Options  *kit.SendOptions
}

func (p Part) Rich() bool { return p.PhotoURL != "" }

// Payload is the ordered list of parts delivered to one recipient.
type Payload []Part

func Single(p Part) Payload { return Payload{p} }

func Multi(parts ...Part) Payload { return append(Payload(nil), parts...) }

func (p Payload) IsMulti() bool { return len(p) > 1 }

// Item is one recipient/payload pair awaiting delivery.
type Item struct {
	To      Recipient
	Payload Payload
}

// ItemsFor pairs every recipient with the same payload.
func ItemsFor(recipients []Recipient, p Payload) []Item {
	out := make([]Item, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, Item{To: r, Payload: p})
	}
	return out
}

// cloneItems copies payload slices so callers can't mutate queued items.
func cloneItems(in []Item) []Item {
	out := make([]Item, len(in))
	for i, it := range in {
		out[i] = Item{To: it.To, Payload: append(Payload(nil), it.Payload...)}
	}
	return out
}

type State int

const (
	StateIdle State = iota
	StateProcessing
	StateCooldown
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateCooldown:
		return "cooldown"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Running reports whether a scheduler loop is active in this state.
func (s State) Running() bool { return s == StateProcessing || s == StateCooldown }

// BatchState tracks deliveries within the current batch.
// Limit == 0 means the next tick samples a fresh limit.
type BatchState struct {
	Limit int
	Count int
}

type CooldownState struct {
	Active bool
	Until  time.Time
}

// Left returns the remaining cooldown time, never negative.
func (c CooldownState) Left(now time.Time) time.Duration {
	if !c.Active {
		return 0
	}
	if d := c.Until.Sub(now); d > 0 {
		return d
	}
	return 0
}

type Stats struct {
	Total     int
	Sent      int
	Failed    int
	StartedAt time.Time
}

func (s Stats) Processed() int { return s.Sent + s.Failed }
