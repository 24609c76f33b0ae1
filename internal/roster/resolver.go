// Package roster tracks who has been seen in each group chat and resolves
// command targets (one user, the admins, everyone) into DM recipients.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"bulkdm/internal/dispatch"
	"bulkdm/internal/storage"
	kit "bulkdm/internal/transport"
	logx "bulkdm/pkg/logx"
)

var (
	ErrUnknownUser = errors.New("roster: unknown user")
	ErrNoMembers   = errors.New("roster: no members")
	ErrNoAdmins    = errors.New("roster: admin listing unsupported")
)

type Kind int

const (
	All Kind = iota
	Admins
	User
)

func (k Kind) String() string {
	switch k {
	case All:
		return "all"
	case Admins:
		return "admins"
	case User:
		return "user"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Group selects recipients within a chat. For User, UserID wins over Username.
type Group struct {
	ChatID   int64
	Kind     Kind
	Username string
	UserID   int64
}

const observeTimeout = 2 * time.Second

type Resolver struct {
	store  storage.Store
	admins kit.AdminLister
	log    logx.Logger
	now    func() time.Time

	self atomic.Int64 // the bot's own user id, once known
}

// New builds a resolver. admins may be nil, in which case Admins groups fail.
func New(store storage.Store, admins kit.AdminLister, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		store:  store,
		admins: admins,
		log:    log.With(logx.String("comp", "roster")),
		now:    time.Now,
	}
}

// SetSelf tells the resolver which user id is the bot itself.
func (r *Resolver) SetSelf(id int64) { r.self.Store(id) }

// Observe records the sender of a group message (and the author it replies to).
func (r *Resolver) Observe(ctx context.Context, msg *kit.Message) error {
	if msg == nil || !msg.IsGroup {
		return nil
	}
	var errs []error
	if msg.FromID != 0 && !msg.FromIsBot {
		errs = append(errs, r.Join(ctx, msg.ChatID, kit.User{
			ID:        msg.FromID,
			Username:  msg.FromUsername,
			FirstName: msg.FromFirstName,
		}))
	}
	if rt := msg.ReplyTo; rt != nil && rt.FromID != 0 && !rt.FromIsBot {
		errs = append(errs, r.Join(ctx, msg.ChatID, kit.User{
			ID:        rt.FromID,
			Username:  rt.FromUsername,
			FirstName: rt.FromFirstName,
		}))
	}
	return errors.Join(errs...)
}

// Join adds or refreshes a roster row. Bots are ignored.
func (r *Resolver) Join(ctx context.Context, chatID int64, u kit.User) error {
	if u.IsBot || u.ID == 0 {
		return nil
	}
	return r.store.UpsertMember(ctx, storage.Member{
		ChatID:    chatID,
		UserID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastSeen:  r.now(),
	})
}

func (r *Resolver) Leave(ctx context.Context, chatID, userID int64) error {
	return r.store.RemoveMember(ctx, chatID, userID)
}

// ObserveUpdate feeds every incoming update into the roster. Failures are
// logged and never block command handling.
func (r *Resolver) ObserveUpdate(ctx context.Context, up kit.Update) {
	ctx, cancel := context.WithTimeout(ctx, observeTimeout)
	defer cancel()

	var err error
	switch up.Kind {
	case kit.UpdateMessage:
		err = r.Observe(ctx, up.Message)
	case kit.UpdateMember:
		if ev := up.Member; ev != nil {
			if ev.Joined {
				err = r.Join(ctx, ev.ChatID, ev.User)
			} else {
				err = r.Leave(ctx, ev.ChatID, ev.User.ID)
			}
		}
	}
	if err != nil {
		r.log.Debug("roster update failed", logx.String("kind", string(up.Kind)), logx.Err(err))
	}
}

// Resolve returns the human recipients of g, de-duplicated and ordered by user id.
func (r *Resolver) Resolve(ctx context.Context, g Group) ([]dispatch.Recipient, error) {
	switch g.Kind {
	case All:
		members, err := r.store.Members(ctx, g.ChatID)
		if err != nil {
			return nil, fmt.Errorf("resolve members of %d: %w", g.ChatID, err)
		}
		out := make([]dispatch.Recipient, 0, len(members))
		for _, m := range members {
			out = append(out, dispatch.Recipient{UserID: m.UserID, Username: m.Username})
		}
		return finish(out)

	case Admins:
		if r.admins == nil {
			return nil, ErrNoAdmins
		}
		users, err := r.admins.AdminsOf(ctx, g.ChatID)
		if err != nil {
			return nil, fmt.Errorf("resolve admins of %d: %w", g.ChatID, err)
		}
		out := make([]dispatch.Recipient, 0, len(users))
		for _, u := range users {
			if u.IsBot || u.ID == 0 {
				continue
			}
			out = append(out, dispatch.Recipient{UserID: u.ID, Username: u.Username})
		}
		return finish(out)

	case User:
		m, err := r.store.FindMember(ctx, g.ChatID, g.UserID, g.Username)
		switch {
		case err == nil:
			return []dispatch.Recipient{{UserID: m.UserID, Username: m.Username}}, nil
		case errors.Is(err, storage.ErrNotFound) && g.UserID != 0:
			// an id is enough to open a private chat, unless it is a known bot
			if r.knownBot(ctx, g.ChatID, g.UserID) {
				return nil, ErrNoMembers
			}
			return []dispatch.Recipient{{UserID: g.UserID}}, nil
		case errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("%w: @%s", ErrUnknownUser, storage.NormalizeUsername(g.Username))
		default:
			return nil, fmt.Errorf("resolve user: %w", err)
		}

	default:
		return nil, fmt.Errorf("roster: unsupported group kind %s", g.Kind)
	}
}

// knownBot reports whether id is this bot or a bot among the chat's
// administrators. Ordinary bot members are only caught once observed.
func (r *Resolver) knownBot(ctx context.Context, chatID, id int64) bool {
	if id == r.self.Load() {
		return true
	}
	if r.admins == nil || chatID == 0 {
		return false
	}
	users, err := r.admins.AdminsOf(ctx, chatID)
	if err != nil {
		r.log.Debug("admin lookup for bot check failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return false
	}
	for _, u := range users {
		if u.ID == id {
			return u.IsBot
		}
	}
	return false
}

func finish(in []dispatch.Recipient) ([]dispatch.Recipient, error) {
	seen := make(map[int64]struct{}, len(in))
	out := in[:0]
	for _, rc := range in {
		if _, dup := seen[rc.UserID]; dup {
			continue
		}
		seen[rc.UserID] = struct{}{}
		out = append(out, rc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) == 0 {
		return nil, ErrNoMembers
	}
	return out, nil
}
