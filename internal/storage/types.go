package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: member not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "" / "none" / "memory": in-process maps, nothing survives a restart
//   - "file": dependency-free JSON-lines journal + snapshot
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//   - "redis": Redis at Addr
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Member is one roster row: a user seen in a group chat.
type Member struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At        time.Time
	ActorID   int64
	ChatID    int64
	Action    string
	Target    string
	SessionID string
	OK        int
	Fail      int
	Error     string
	MetaJSON  string
}

// Store is the persistence API used by the roster and the command layer.
//
// Members are returned ordered by user id. FindMember matches userID when
// non-zero, otherwise username case-insensitively (without '@').
type Store interface {
	UpsertMember(ctx context.Context, m Member) error
	RemoveMember(ctx context.Context, chatID, userID int64) error
	Members(ctx context.Context, chatID int64) ([]Member, error)
	FindMember(ctx context.Context, chatID, userID int64, username string) (Member, error)
	PruneMembers(ctx context.Context, before time.Time) (int, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// NormalizeUsername strips a leading '@' and lowercases.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

func matchMember(m Member, userID int64, username string) bool {
	if userID != 0 {
		return m.UserID == userID
	}
	u := NormalizeUsername(username)
	return u != "" && NormalizeUsername(m.Username) == u
}
