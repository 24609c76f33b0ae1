// Package commands wires the operator commands (/dm_tag, /dm_all,
// /dm_promo, /stop_queue, /dm_status) onto the dispatch scheduler.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"bulkdm/internal/config"
	"bulkdm/internal/delivery"
	"bulkdm/internal/dispatch"
	"bulkdm/internal/roster"
	"bulkdm/internal/storage"
	kit "bulkdm/internal/transport"
	"bulkdm/internal/transport/telegram/router"
	logx "bulkdm/pkg/logx"
	"bulkdm/pkg/tgui"
)

// Reply texts.
const (
	MsgNoMembers     = "No valid human members found."
	MsgFetching      = "Fetching members..."
	MsgFetchFailed   = "Error fetching members."
	MsgBusy          = "Queue is already running! Use /stop_queue first if you want to restart."
	MsgPromoFetching = "Generating Promo Embed and fetching members..."
	MsgStopped       = "🛑 Queue stopped."
	MsgGroupOnly     = "This command only works in group chats."

	UsageTag   = "/dm_tag <@user|user_id|admins> <message>  OR  reply: /dm_tag <message>"
	UsageAll   = "/dm_all <message>"
	UsagePromo = "/dm_promo <ServerLink>"
)

var (
	errUsage     = errors.New("commands: bad usage")
	errBotTarget = errors.New("commands: target is a bot")
)

// Resolver turns a target group into recipients.
type Resolver interface {
	Resolve(ctx context.Context, g roster.Group) ([]dispatch.Recipient, error)
}

// Queue is the part of the scheduler the commands drive.
type Queue interface {
	EnqueueTargeted(origin kit.ChatTarget, items []dispatch.Item) (dispatch.Receipt, error)
	EnqueueBroadcast(origin kit.ChatTarget, items []dispatch.Item) (dispatch.Receipt, error)
	EnqueuePromo(origin kit.ChatTarget, recipients []dispatch.Recipient, rich, link dispatch.Part) (dispatch.Receipt, error)
	Stop() int
	Summary() dispatch.Summary
	Refresh(ctx context.Context) bool
}

type Deps struct {
	Queue  Queue
	Roster Resolver
	Audit  *Auditor // optional
	Log    logx.Logger
}

type Handlers struct {
	queue  Queue
	roster Resolver
	audit  *Auditor
	log    logx.Logger
}

func New(d Deps) *Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Handlers{
		queue:  d.Queue,
		roster: d.Roster,
		audit:  d.Audit,
		log:    d.Log.With(logx.String("comp", "commands")),
	}
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "dm_tag",
			Description: "DM one user or the chat admins",
			Usage:       UsageTag,
			Access:      router.AccessOwnerOnly,
			Handle:      h.dmTag,
		},
		{
			Route:       "dm_all",
			Description: "DM every known chat member",
			Usage:       UsageAll,
			Access:      router.AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      h.dmAll,
		},
		{
			Route:       "dm_promo",
			Description: "send the promo card to every member",
			Usage:       UsagePromo,
			Access:      router.AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      h.dmPromo,
		},
		{
			Route:       "stop_queue",
			Aliases:     []string{"stop"},
			Description: "stop the running queue",
			Usage:       "/stop_queue",
			Access:      router.AccessOwnerOnly,
			Handle:      h.stopQueue,
		},
		{
			Route:       "dm_status",
			Aliases:     []string{"status"},
			Description: "show queue progress",
			Usage:       "/dm_status",
			Access:      router.AccessOwnerOnly,
			Handle:      h.status,
		},
	}
}

func (h *Handlers) dmTag(ctx context.Context, req *router.Request) error {
	g, text, err := parseTagTarget(req)
	if errors.Is(err, errBotTarget) {
		return req.Reply(ctx, MsgNoMembers)
	}
	if err != nil || strings.TrimSpace(text) == "" {
		return req.Reply(ctx, "Usage: "+UsageTag)
	}
	if g.Kind != roster.User && !inGroup(req) {
		return req.Reply(ctx, MsgGroupOnly)
	}

	recips, err := h.roster.Resolve(ctx, g)
	if err != nil {
		return h.resolveFailed(ctx, req, "dm_tag", err)
	}

	items := dispatch.ItemsFor(recips, dispatch.Single(dispatch.Part{Text: text}))
	rec, err := h.queue.EnqueueTargeted(req.Chat, items)
	if err != nil {
		return h.enqueueFailed(ctx, req, "dm_tag", err)
	}
	h.audit.Record(ctx, storage.AuditEntry{
		ActorID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		Action:    "dm_tag",
		Target:    describeGroup(g),
		SessionID: rec.SessionID,
		OK:        rec.Added,
	})
	reply := tgui.NewCard().Line(fmt.Sprintf("Added %d members to queue.", rec.Added))
	if len(recips) == 1 {
		reply.RawLine(tgui.JoinH(" ", tgui.Raw("→"), mention(recips[0])))
	}
	return req.ReplyHTML(ctx, reply.Text())
}

// mention links a recipient by id, labelled with its username when known.
func mention(rc dispatch.Recipient) tgui.H {
	label := "user " + strconv.FormatInt(rc.UserID, 10)
	if rc.Username != "" {
		label = "@" + rc.Username
	}
	return tgui.Mention(tgui.TruncRunes(label, 33), rc.UserID)
}

// started is the reply once a reset-style session is under way.
func started(title string, total int) string {
	return tgui.NewCard().
		RawLine(tgui.B(title)).
		Line(fmt.Sprintf("Target: %d Members", total)).
		Text()
}

func (h *Handlers) dmAll(ctx context.Context, req *router.Request) error {
	text := req.Rest(0)
	if strings.TrimSpace(text) == "" {
		return req.Reply(ctx, "Usage: "+UsageAll)
	}
	if !inGroup(req) {
		return req.Reply(ctx, MsgGroupOnly)
	}
	_ = req.Reply(ctx, MsgFetching)

	recips, err := h.roster.Resolve(ctx, roster.Group{ChatID: req.Chat.ChatID, Kind: roster.All})
	if err != nil {
		return h.resolveFailed(ctx, req, "dm_all", err)
	}

	items := dispatch.ItemsFor(recips, dispatch.Single(dispatch.Part{Text: text}))
	rec, err := h.queue.EnqueueBroadcast(req.Chat, items)
	if err != nil {
		return h.enqueueFailed(ctx, req, "dm_all", err)
	}
	h.audit.Record(ctx, storage.AuditEntry{
		ActorID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		Action:    "dm_all",
		Target:    "all",
		SessionID: rec.SessionID,
		OK:        rec.Total,
	})
	return req.ReplyHTML(ctx, started("Starting Mass DM", rec.Total))
}

func (h *Handlers) dmPromo(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: "+UsagePromo)
	}
	if !inGroup(req) {
		return req.Reply(ctx, MsgGroupOnly)
	}

	rich, invite, err := delivery.BuildPromo(promoContent(req.Config), req.Args[0])
	if err != nil {
		if errors.Is(err, delivery.ErrInvalidLink) {
			return req.Reply(ctx, "Usage: "+UsagePromo+"\n"+err.Error())
		}
		return err
	}
	_ = req.Reply(ctx, MsgPromoFetching)

	recips, err := h.roster.Resolve(ctx, roster.Group{ChatID: req.Chat.ChatID, Kind: roster.All})
	if err != nil {
		return h.resolveFailed(ctx, req, "dm_promo", err)
	}

	rec, err := h.queue.EnqueuePromo(req.Chat, recips, rich, invite)
	if err != nil {
		return h.enqueueFailed(ctx, req, "dm_promo", err)
	}
	h.audit.Record(ctx, storage.AuditEntry{
		ActorID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		Action:    "dm_promo",
		Target:    "all",
		SessionID: rec.SessionID,
		OK:        rec.Total,
		MetaJSON:  metaJSON(map[string]any{"link": req.Args[0]}),
	})
	return req.ReplyHTML(ctx, started("Starting Mass Promo DM", rec.Total))
}

func (h *Handlers) stopQueue(ctx context.Context, req *router.Request) error {
	sessionID := h.queue.Summary().SessionID
	dropped := h.queue.Stop()
	h.audit.Record(ctx, storage.AuditEntry{
		ActorID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		Action:    "stop_queue",
		SessionID: sessionID,
		Fail:      dropped,
	})
	msg := MsgStopped
	if dropped > 0 {
		msg += fmt.Sprintf(" %d pending dropped.", dropped)
	}
	return req.Reply(ctx, msg)
}

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	h.queue.Refresh(ctx)
	return req.ReplyHTML(ctx, StatusLine(h.queue.Summary()))
}

// StatusLine is the compact one-message form of the dashboard.
func StatusLine(s dispatch.Summary) string {
	if s.SessionID == "" {
		return "💤 <b>Idle</b> · no session yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> %s %d%%\n", html.EscapeString(delivery.StatusText(s)), s.Bar, s.Percent)
	fmt.Fprintf(&b, "✅ %d · ❌ %d · ⏳ %d of %d", s.Sent, s.Failed, s.Remaining, s.Total)
	if s.State.Running() {
		fmt.Fprintf(&b, "\n🔮 ~%.1f mins left", s.ETA.Minutes())
	}
	return b.String()
}

func (h *Handlers) resolveFailed(ctx context.Context, req *router.Request, action string, err error) error {
	switch {
	case errors.Is(err, roster.ErrNoMembers):
		return req.Reply(ctx, MsgNoMembers)
	case errors.Is(err, roster.ErrUnknownUser):
		return req.Reply(ctx, "I haven't seen that user in this chat yet. Reply to one of their messages or use their numeric id.")
	}
	h.log.Warn("resolve recipients failed",
		logx.String("action", action),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Err(err),
	)
	h.audit.Record(ctx, storage.AuditEntry{
		ActorID: req.FromID,
		ChatID:  req.Chat.ChatID,
		Action:  action,
		Error:   err.Error(),
	})
	return req.Reply(ctx, MsgFetchFailed)
}

func (h *Handlers) enqueueFailed(ctx context.Context, req *router.Request, action string, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrBusy):
		return req.Reply(ctx, MsgBusy)
	case errors.Is(err, dispatch.ErrNoRecipients):
		return req.Reply(ctx, MsgNoMembers)
	}
	h.log.Error("enqueue failed", logx.String("action", action), logx.Err(err))
	return err
}

// parseTagTarget reads the /dm_tag target. An explicit @user or "admins"
// always wins. In a reply, everything else is message text and the
// replied-to author is the target. Outside a reply a numeric user id is
// accepted too.
func parseTagTarget(req *router.Request) (roster.Group, string, error) {
	g := roster.Group{ChatID: req.Chat.ChatID, Kind: roster.User}
	var first string
	if len(req.Args) > 0 {
		first = req.Args[0]
	}
	var reply *kit.Message
	if req.Message != nil {
		reply = req.Message.ReplyTo
	}

	switch {
	case strings.EqualFold(first, "admins"):
		g.Kind = roster.Admins
		return g, req.Rest(1), nil
	case len(first) > 1 && strings.HasPrefix(first, "@"):
		g.Username = storage.NormalizeUsername(first)
		return g, req.Rest(1), nil
	case reply != nil:
		if reply.FromIsBot {
			return g, "", errBotTarget
		}
		if reply.FromID == 0 {
			return g, "", errUsage
		}
		g.UserID, g.Username = reply.FromID, reply.FromUsername
		return g, req.Rest(0), nil
	}
	id, err := strconv.ParseInt(first, 10, 64)
	if err != nil || id <= 0 {
		return g, "", errUsage
	}
	g.UserID = id
	return g, req.Rest(1), nil
}

func describeGroup(g roster.Group) string {
	switch {
	case g.Kind != roster.User:
		return g.Kind.String()
	case g.Username != "":
		return "@" + g.Username
	default:
		return strconv.FormatInt(g.UserID, 10)
	}
}

func inGroup(req *router.Request) bool { return req.Message != nil && req.Message.IsGroup }

func promoContent(cfg *config.Config) delivery.PromoContent {
	if cfg == nil {
		return delivery.DefaultPromo()
	}
	p := cfg.Promo
	return delivery.PromoContent{
		Title:       p.Title,
		BodyLines:   p.BodyLines,
		ImageURL:    p.ImageURL,
		ButtonLabel: p.ButtonLabel,
		Footer:      p.Footer,
	}
}

func metaJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
