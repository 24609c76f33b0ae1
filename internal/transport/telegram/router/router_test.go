package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "bulkdm/internal/transport"
	logx "bulkdm/pkg/logx"
)

type sentText struct {
	To   kit.ChatTarget
	Text string
}

type fakeAdapter struct {
	mu    sync.Mutex
	texts []sentText
	menu  []kit.BotCommand
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, sentText{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}

func (a *fakeAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, _, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return a.SendText(ctx, to, caption, opt)
}

func (a *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Texts() []sentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentText(nil), a.texts...)
}

func (a *fakeAdapter) Menu() []kit.BotCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]kit.BotCommand(nil), a.menu...)
}

type recordingObserver struct {
	mu  sync.Mutex
	ups []kit.Update
}

func (o *recordingObserver) ObserveUpdate(_ context.Context, up kit.Update) {
	o.mu.Lock()
	o.ups = append(o.ups, up)
	o.mu.Unlock()
}

func (o *recordingObserver) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ups)
}

func msgUpdate(from int64, group bool, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: -100, FromID: from, Text: text, IsGroup: group,
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

type routerHarness struct {
	adapter *fakeAdapter
	mgr     *CommandManager
	updates chan kit.Update
	got     chan *Request
	obs     *recordingObserver
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	h := &routerHarness{
		adapter: &fakeAdapter{},
		updates: make(chan kit.Update, 16),
		got:     make(chan *Request, 16),
		obs:     &recordingObserver{},
	}
	h.mgr = NewCommandManager(logx.Nop(), h.adapter, nil, &Services{RuntimeSupervisors: NewSupervisorRegistry()}, []int64{1})
	h.mgr.AddObserver(h.obs)
	h.mgr.SetRegistry([]Command{
		{
			Route:       "dm_tag",
			Description: "DM a member",
			Usage:       "/dm_tag <@user> <message>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				h.got <- req
				return nil
			},
		},
		{
			Route:       "queue stop",
			Aliases:     []string{"stop-queue"},
			Description: "stop the queue",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				h.got <- req
				return nil
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.mgr.DispatchLoop(ctx, h.updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *routerHarness) next(t *testing.T) *Request {
	t.Helper()
	select {
	case r := <-h.got:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no command dispatched")
		return nil
	}
}

func TestOwnerCommandKeepsRawText(t *testing.T) {
	t.Parallel()
	h := newRouterHarness(t)

	h.updates <- msgUpdate(1, true, "/dm_tag@bulkdm_bot @bob  hello\nworld")
	req := h.next(t)
	if req.Command != "dm_tag" || len(req.Args) == 0 || req.Args[0] != "@bob" {
		t.Fatalf("req = %+v", req)
	}
	if got := req.Rest(1); got != "hello\nworld" {
		t.Fatalf("Rest(1) = %q", got)
	}
	if req.Chat.ChatID != -100 || req.ReqID == "" {
		t.Fatalf("chat/rid = %+v %q", req.Chat, req.ReqID)
	}
}

func TestNonOwnerGetsNoPermission(t *testing.T) {
	t.Parallel()
	h := newRouterHarness(t)

	h.updates <- msgUpdate(2, true, "/dm_tag @bob hi")
	waitFor(t, func() bool {
		for _, s := range h.adapter.Texts() {
			if s.Text == "No Permission." {
				return true
			}
		}
		return false
	})
	select {
	case r := <-h.got:
		t.Fatalf("handler ran for non-owner: %+v", r)
	default:
	}
}

func TestSubcommandAndAliasRouting(t *testing.T) {
	t.Parallel()
	h := newRouterHarness(t)

	h.updates <- msgUpdate(1, false, "/queue stop")
	if r := h.next(t); r.Command != "queue stop" {
		t.Fatalf("command = %q", r.Command)
	}
	h.updates <- msgUpdate(1, false, "/stop_queue")
	if r := h.next(t); r.Command != "queue stop" {
		t.Fatalf("alias command = %q", r.Command)
	}
	h.updates <- msgUpdate(1, false, "/queue_stop")
	if r := h.next(t); r.Command != "queue stop" {
		t.Fatalf("menu alias command = %q", r.Command)
	}
}

func TestUnknownCommandRepliesOnlyInPrivate(t *testing.T) {
	t.Parallel()
	h := newRouterHarness(t)

	h.updates <- msgUpdate(1, true, "/nope")
	h.updates <- msgUpdate(1, false, "/nope")
	waitFor(t, func() bool { return h.obs.Len() == 2 })
	waitFor(t, func() bool { return len(h.adapter.Texts()) == 1 })
	if got := h.adapter.Texts()[0].Text; !strings.Contains(got, "unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestObserverSeesEveryUpdate(t *testing.T) {
	t.Parallel()
	h := newRouterHarness(t)

	h.updates <- msgUpdate(5, true, "just chatting")
	h.updates <- kit.Update{Kind: kit.UpdateMember, Member: &kit.MemberEvent{ChatID: -100, User: kit.User{ID: 9}, Joined: true}}
	waitFor(t, func() bool { return h.obs.Len() == 2 })
	if n := len(h.adapter.Texts()); n != 0 {
		t.Fatalf("unexpected replies: %d", n)
	}
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()
	h := newRouterHarness(t)

	waitFor(t, func() bool { return len(h.adapter.Menu()) > 0 })
	var names []string
	for _, c := range h.adapter.Menu() {
		names = append(names, c.Command)
		if c.Command == "dm_tag" && !strings.HasPrefix(c.Description, "🔒 ") {
			t.Fatalf("owner-only description = %q", c.Description)
		}
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"dm_tag", "help", "queue", "queue_stop"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("menu %q missing %q", joined, want)
		}
	}

	h.updates <- msgUpdate(7, false, "/help dm_tag")
	waitFor(t, func() bool { return len(h.adapter.Texts()) == 1 })
	got := h.adapter.Texts()[0].Text
	if !strings.Contains(got, "/dm_tag &lt;@user&gt; &lt;message&gt;") || !strings.Contains(got, "Owner only") {
		t.Fatalf("help = %q", got)
	}
}

func TestSupervisorRegistryNilSafe(t *testing.T) {
	t.Parallel()

	var r *SupervisorRegistry
	r.Set("x", nil)
	if r.Names() != nil || r.Counters() != nil {
		t.Fatal("nil registry returned data")
	}
}
