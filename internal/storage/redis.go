package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	logx "bulkdm/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultPrefix = "bulkdm"
	redisAuditCap      = 10000
)

// redisStore keeps one hash per chat (<prefix>:members:<chat_id>, field =
// user id, value = JSON member), a set of known chats for pruning, and the
// audit log as a capped list (<prefix>:audit, newest first).
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, cfg.KeyPrefix, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) Store {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = redisDefaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix}
}

func (s *redisStore) chatsKey() string { return s.prefix + ":chats" }
func (s *redisStore) auditKey() string { return s.prefix + ":audit" }
func (s *redisStore) membersKey(chatID int64) string {
	return s.prefix + ":members:" + strconv.FormatInt(chatID, 10)
}

func (s *redisStore) UpsertMember(ctx context.Context, m Member) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.membersKey(m.ChatID), strconv.FormatInt(m.UserID, 10), b)
	pipe.SAdd(ctx, s.chatsKey(), strconv.FormatInt(m.ChatID, 10))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RemoveMember(ctx context.Context, chatID, userID int64) error {
	return s.rdb.HDel(ctx, s.membersKey(chatID), strconv.FormatInt(userID, 10)).Err()
}

func (s *redisStore) Members(ctx context.Context, chatID int64) ([]Member, error) {
	raw, err := s.rdb.HGetAll(ctx, s.membersKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(raw))
	for field, v := range raw {
		var m Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			s.log.Debug("skip corrupt member", logx.String("field", field), logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *redisStore) FindMember(ctx context.Context, chatID, userID int64, username string) (Member, error) {
	if userID != 0 {
		v, err := s.rdb.HGet(ctx, s.membersKey(chatID), strconv.FormatInt(userID, 10)).Result()
		if errors.Is(err, redis.Nil) {
			return Member{}, ErrNotFound
		}
		if err != nil {
			return Member{}, err
		}
		var m Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return Member{}, err
		}
		return m, nil
	}
	all, err := s.Members(ctx, chatID)
	if err != nil {
		return Member{}, err
	}
	for _, m := range all {
		if matchMember(m, 0, username) {
			return m, nil
		}
	}
	return Member{}, ErrNotFound
}

func (s *redisStore) PruneMembers(ctx context.Context, before time.Time) (int, error) {
	chats, err := s.rdb.SMembers(ctx, s.chatsKey()).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range chats {
		chatID, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			continue
		}
		members, err := s.Members(ctx, chatID)
		if err != nil {
			return n, err
		}
		var stale []string
		for _, m := range members {
			if m.LastSeen.Before(before) {
				stale = append(stale, strconv.FormatInt(m.UserID, 10))
			}
		}
		if len(stale) > 0 {
			if err := s.rdb.HDel(ctx, s.membersKey(chatID), stale...).Err(); err != nil {
				return n, err
			}
			n += len(stale)
		}
		if len(stale) == len(members) {
			_ = s.rdb.SRem(ctx, s.chatsKey(), c).Err()
		}
	}
	return n, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), b)
	pipe.LTrim(ctx, s.auditKey(), 0, redisAuditCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Close() error { return s.rdb.Close() }
