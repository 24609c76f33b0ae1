package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "bulkdm/pkg/logx"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore serves both SQLite and Postgres; queries are written with '?'
// and rebound for the driver.
type sqlStore struct {
	db      *sqlx.DB
	log     logx.Logger
	dialect string
}

type memberRow struct {
	ChatID    int64  `db:"chat_id"`
	UserID    int64  `db:"user_id"`
	Username  string `db:"username"`
	FirstName string `db:"first_name"`
	LastSeen  int64  `db:"last_seen"`
}

func (r memberRow) member() Member {
	return Member{
		ChatID:    r.ChatID,
		UserID:    r.UserID,
		Username:  r.Username,
		FirstName: r.FirstName,
		LastSeen:  time.UnixMilli(r.LastSeen),
	}
}

type auditRow struct {
	At        string         `db:"at"`
	ActorID   int64          `db:"actor_id"`
	ChatID    int64          `db:"chat_id"`
	Action    string         `db:"action"`
	Target    string         `db:"target"`
	SessionID string         `db:"session_id"`
	OK        int            `db:"ok"`
	Fail      int            `db:"fail"`
	Err       sql.NullString `db:"err"`
	Meta      sql.NullString `db:"meta"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return newSQLStore(db, "sqlite", log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return newSQLStore(db, "postgres", log)
}

func newSQLStore(db *sqlx.DB, dialect string, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log, dialect: dialect}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) UpsertMember(ctx context.Context, m Member) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO members(chat_id, user_id, username, first_name, last_seen)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, user_id) DO UPDATE SET
		   username=excluded.username, first_name=excluded.first_name, last_seen=excluded.last_seen`),
		m.ChatID, m.UserID, m.Username, m.FirstName, m.LastSeen.UnixMilli(),
	)
	return err
}

func (s *sqlStore) RemoveMember(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM members WHERE chat_id = ? AND user_id = ?`), chatID, userID)
	return err
}

func (s *sqlStore) Members(ctx context.Context, chatID int64) ([]Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT chat_id, user_id, username, first_name, last_seen FROM members WHERE chat_id = ? ORDER BY user_id`), chatID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.member())
	}
	return out, nil
}

func (s *sqlStore) FindMember(ctx context.Context, chatID, userID int64, username string) (Member, error) {
	var (
		row memberRow
		err error
	)
	if userID != 0 {
		err = s.db.GetContext(ctx, &row, s.db.Rebind(
			`SELECT chat_id, user_id, username, first_name, last_seen FROM members WHERE chat_id = ? AND user_id = ?`), chatID, userID)
	} else {
		u := NormalizeUsername(username)
		if u == "" {
			return Member{}, ErrNotFound
		}
		err = s.db.GetContext(ctx, &row, s.db.Rebind(
			`SELECT chat_id, user_id, username, first_name, last_seen FROM members
			 WHERE chat_id = ? AND lower(username) = ? ORDER BY user_id LIMIT 1`), chatID, u)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, err
	}
	return row.member(), nil
}

func (s *sqlStore) PruneMembers(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM members WHERE last_seen < ?`), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit(at, actor_id, chat_id, action, target, session_id, ok, fail, err, meta)
		 VALUES(:at, :actor_id, :chat_id, :action, :target, :session_id, :ok, :fail, :err, :meta)`,
		auditRow{
			At:        e.At.UTC().Format(time.RFC3339Nano),
			ActorID:   e.ActorID,
			ChatID:    e.ChatID,
			Action:    e.Action,
			Target:    e.Target,
			SessionID: e.SessionID,
			OK:        e.OK,
			Fail:      e.Fail,
			Err:       nullStr(e.Error),
			Meta:      nullStr(e.MetaJSON),
		},
	)
	return err
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
