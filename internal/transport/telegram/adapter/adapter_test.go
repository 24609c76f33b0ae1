package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "bulkdm/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short=%q", got)
	}
	if got := splitTelegramText("", 10, ""); len(got) != 1 {
		t.Fatalf("empty text must yield one chunk, got %q", got)
	}

	text := strings.Repeat("line of text\n", 50)
	chunks := splitTelegramText(text, 100, "")
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d not trimmed: %q", i, c)
		}
	}
	if joined := strings.Join(chunks, "\n"); joined != strings.TrimRight(text, "\n") {
		t.Fatalf("newline split lost content")
	}
}

func TestSplitTelegramTextAvoidsTags(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 15) + "<b>bold</b>" + strings.Repeat("c", 20)
	chunks := splitTelegramText(text, 17, "HTML")
	if chunks[0] != strings.Repeat("a", 15) {
		t.Fatalf("first chunk=%q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("second chunk=%q", chunks[1])
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	m := &tele.Message{
		ID:     5,
		Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender: &tele.User{ID: 7, Username: "op", FirstName: "Op"},
		Text:   "/dm_tag hi",
		ReplyTo: &tele.Message{
			ID:     4,
			Chat:   &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
			Sender: &tele.User{ID: 9, Username: "target"},
			Text:   "hello",
		},
	}
	got := convertMessage(m)
	if got.ChatID != -100 || !got.IsGroup || got.FromID != 7 || got.FromFirstName != "Op" {
		t.Fatalf("message=%+v", got)
	}
	if got.ReplyTo == nil || got.ReplyTo.FromID != 9 || got.ReplyTo.FromUsername != "target" {
		t.Fatalf("reply=%+v", got.ReplyTo)
	}

	photo := convertMessage(&tele.Message{Chat: &tele.Chat{ID: 1, Type: tele.ChatPrivate}, Caption: "cap"})
	if photo.Text != "cap" || photo.IsGroup {
		t.Fatalf("caption message=%+v", photo)
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	err := errors.New("telegram: Bad Request: message is not modified: specified new message content (400)")
	if !errors.Is(mapError(err), kit.ErrNotModified) {
		t.Fatalf("not-modified not mapped")
	}
	blocked := errors.New("telegram: Forbidden: bot was blocked by the user (403)")
	if got := mapError(blocked); !errors.Is(got, kit.ErrRecipientUnavailable) || !strings.Contains(got.Error(), "403") {
		t.Fatalf("blocked = %v", got)
	}
	other := errors.New("telegram: Too Many Requests: retry after 5 (429)")
	if mapError(other) != other {
		t.Fatalf("unrelated error rewritten")
	}
	if mapError(nil) != nil {
		t.Fatalf("nil mapped")
	}
}

func TestUpdateMenuCommandsSkipsUnchanged(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/setMyCommands") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var body struct {
			Commands []struct {
				Command string `json:"command"`
			} `json:"commands"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Commands) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"bad"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer srv.Close()

	a := &Adapter{cfg: Config{Token: "t", APIURL: srv.URL}, http: srv.Client()}
	cmds := []kit.BotCommand{{Command: "dm_all"}, {Command: "stop_queue", Description: "Stop"}}
	ctx := context.Background()
	if err := a.UpdateMenuCommands(ctx, cmds); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := a.UpdateMenuCommands(ctx, cmds); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
	if err := a.UpdateMenuCommands(ctx, cmds[:1]); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err=%v", err)
	}
}
