package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"bulkdm/internal/dispatch"
	kit "bulkdm/internal/transport"
	"bulkdm/pkg/tgui"
)

const DashboardTitle = "Advanced Mass DM Dashboard"

// Board shows dispatch summaries as an editable Telegram message.
type Board struct {
	adapter kit.Adapter
}

func NewBoard(adapter kit.Adapter) *Board { return &Board{adapter: adapter} }

func (b *Board) Create(ctx context.Context, to kit.ChatTarget, s dispatch.Summary) (kit.MessageRef, error) {
	c := RenderSummary(s)
	return b.adapter.SendText(ctx, to, c.Text(), c.Options())
}

func (b *Board) Update(ctx context.Context, ref kit.MessageRef, s dispatch.Summary) error {
	c := RenderSummary(s)
	err := b.adapter.EditText(ctx, ref, c.Text(), c.Options())
	if errors.Is(err, kit.ErrNotModified) {
		return nil
	}
	return err
}

func (b *Board) Notice(ctx context.Context, to kit.ChatTarget, text string) error {
	_, err := b.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// RenderSummary lays out the dashboard card.
func RenderSummary(s dispatch.Summary) *tgui.Card {
	c := tgui.NewCard().
		Title("📢", DashboardTitle).
		Blank().
		KV("", "Status", StatusText(s)).
		KV("", "Progress", fmt.Sprintf("%s %d%%", s.Bar, s.Percent)).
		KV("✅", "Sent", strconv.Itoa(s.Sent)).
		KV("❌", "Failed", strconv.Itoa(s.Failed)).
		KV("⏳", "Remaining", strconv.Itoa(s.Remaining)).
		KV("⏱️", "Elapsed", fmt.Sprintf("%ds", int(math.Round(s.Elapsed.Seconds())))).
		KV("🔮", "Approx ETA", fmt.Sprintf("~%.1f mins", s.ETA.Minutes())).
		KV("📦", "Current Batch", fmt.Sprintf("%d/%d", s.Batch.Count, s.Batch.Limit))
	if s.SessionID != "" {
		c.RawLine(tgui.JoinH(" ", tgui.Esc("🆔 Session:"), tgui.Code(s.SessionID)))
	}
	return c.Blank().RawLine(tgui.I(Footer(s.MinDelay, s.MaxDelay)))
}

// StatusText is the status label with its emoji.
func StatusText(s dispatch.Summary) string {
	label := dispatch.StatusLabel(s.State, s.CooldownLeft)
	switch s.State {
	case dispatch.StateProcessing:
		return "🟢 " + label
	case dispatch.StateCooldown:
		return "❄️ " + label
	case dispatch.StateComplete:
		return "✅ " + label
	default:
		return "zzz " + label
	}
}

// Footer names the configured delay range in seconds.
func Footer(minDelay, maxDelay time.Duration) string {
	return fmt.Sprintf("Safety: Random Delays (%s-%ss) & Dynamic Batches", secs(minDelay), secs(maxDelay))
}

func secs(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
