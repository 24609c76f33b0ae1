package dispatch

import "time"

// Event types published on the bus.
const (
	EventSessionStarted  = "dispatch.session_started"
	EventItemsAdded      = "dispatch.items_added"
	EventItemSent        = "dispatch.item_sent"
	EventItemFailed      = "dispatch.item_failed"
	EventCooldownStarted = "dispatch.cooldown_started"
	EventCooldownEnded   = "dispatch.cooldown_ended"
	EventCompleted       = "dispatch.completed"
	EventStopped         = "dispatch.stopped"
	EventRejected        = "dispatch.rejected"
	EventDashboardFailed = "dispatch.dashboard_failed"
)

// Session kinds.
const (
	KindTargeted  = "targeted"
	KindBroadcast = "broadcast"
	KindPromo     = "promo"
)

// EventData is the payload of every dispatch event.
type EventData struct {
	SessionID string
	Kind      string
	Recipient Recipient
	Count     int
	Queue     int
	Duration  time.Duration
	Stats     Stats
	Err       string
}
