package dispatch

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BarWidth is the number of cells in the progress bar.
const BarWidth = 15

const (
	barFilled = "▓"
	barEmpty  = "░"
)

// SummaryInput is everything the dashboard derives from.
type SummaryInput struct {
	State     State
	Stats     Stats
	Batch     BatchState
	Cooldown  CooldownState
	Remaining int
	Now       time.Time
	Bounds    Bounds
	SessionID string
}

// Summary is the presentational view of the scheduler.
type Summary struct {
	State        State
	Status       string
	Percent      int
	Bar          string
	Total        int
	Sent         int
	Failed       int
	Remaining    int
	Elapsed      time.Duration
	ETA          time.Duration
	Batch        BatchState
	CooldownLeft time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	SessionID    string
	At           time.Time

	// Version orders summaries; a dashboard ignores one older than what it already shows.
	Version uint64
}

func Summarize(in SummaryInput) Summary {
	left := in.Cooldown.Left(in.Now)
	pct := Percent(in.Stats.Processed(), in.Stats.Total)

	var elapsed time.Duration
	if !in.Stats.StartedAt.IsZero() && in.Now.After(in.Stats.StartedAt) {
		elapsed = in.Now.Sub(in.Stats.StartedAt)
	}

	return Summary{
		State:        in.State,
		Status:       StatusLabel(in.State, left),
		Percent:      pct,
		Bar:          ProgressBar(pct, BarWidth),
		Total:        in.Stats.Total,
		Sent:         in.Stats.Sent,
		Failed:       in.Stats.Failed,
		Remaining:    in.Remaining,
		Elapsed:      elapsed,
		ETA:          time.Duration(in.Remaining) * in.Bounds.AvgPerItem,
		Batch:        in.Batch,
		CooldownLeft: left,
		MinDelay:     in.Bounds.MinDelay,
		MaxDelay:     in.Bounds.MaxDelay,
		SessionID:    in.SessionID,
		At:           in.Now,
	}
}

// Percent is round(100*processed/total), 0 when total is 0.
func Percent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(processed) / float64(total)))
}

// ProgressBar renders round(percent/100*width) filled cells out of width.
func ProgressBar(percent, width int) string {
	if width <= 0 {
		return ""
	}
	percent = min(max(percent, 0), 100)
	filled := int(math.Round(float64(percent) / 100 * float64(width)))
	return strings.Repeat(barFilled, filled) + strings.Repeat(barEmpty, width-filled)
}

// StatusLabel derives the status text from the scheduler state only.
func StatusLabel(state State, cooldownLeft time.Duration) string {
	switch state {
	case StateProcessing:
		return "Processing"
	case StateCooldown:
		return fmt.Sprintf("Cooling Down (%ds)", int(math.Round(cooldownLeft.Seconds())))
	case StateComplete:
		return "Complete"
	default:
		return "Idle"
	}
}
