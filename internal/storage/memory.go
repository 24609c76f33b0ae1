package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memoryAuditCap = 1000

type memoryStore struct {
	mu      sync.Mutex
	members map[int64]map[int64]Member
	audit   []AuditEntry
	closed  bool
}

func NewMemory() Store {
	return &memoryStore{members: map[int64]map[int64]Member{}}
}

func (s *memoryStore) UpsertMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	upsertInto(s.members, m)
	return nil
}

func (s *memoryStore) RemoveMember(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	removeFrom(s.members, chatID, userID)
	return nil
}

func (s *memoryStore) Members(_ context.Context, chatID int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedMembers(s.members[chatID]), nil
}

func (s *memoryStore) FindMember(_ context.Context, chatID, userID int64, username string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Member{}, ErrClosed
	}
	return findIn(s.members[chatID], userID, username)
}

func (s *memoryStore) PruneMembers(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return pruneIn(s.members, before), nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	if over := len(s.audit) - memoryAuditCap; over > 0 {
		s.audit = append(s.audit[:0], s.audit[over:]...)
	}
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// map helpers shared with the file store

func upsertInto(all map[int64]map[int64]Member, m Member) {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	chat := all[m.ChatID]
	if chat == nil {
		chat = map[int64]Member{}
		all[m.ChatID] = chat
	}
	chat[m.UserID] = m
}

func removeFrom(all map[int64]map[int64]Member, chatID, userID int64) {
	chat := all[chatID]
	if chat == nil {
		return
	}
	delete(chat, userID)
	if len(chat) == 0 {
		delete(all, chatID)
	}
}

func findIn(chat map[int64]Member, userID int64, username string) (Member, error) {
	if userID != 0 {
		if m, ok := chat[userID]; ok {
			return m, nil
		}
		return Member{}, ErrNotFound
	}
	for _, m := range sortedMembers(chat) {
		if matchMember(m, 0, username) {
			return m, nil
		}
	}
	return Member{}, ErrNotFound
}

func pruneIn(all map[int64]map[int64]Member, before time.Time) int {
	n := 0
	for chatID, chat := range all {
		for uid, m := range chat {
			if m.LastSeen.Before(before) {
				delete(chat, uid)
				n++
			}
		}
		if len(chat) == 0 {
			delete(all, chatID)
		}
	}
	return n
}

func sortedMembers(chat map[int64]Member) []Member {
	out := make([]Member, 0, len(chat))
	for _, m := range chat {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
