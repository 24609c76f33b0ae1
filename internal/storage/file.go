package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bulkdm/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.members.snapshot.json  (periodic snapshot)
//   - <prefix>.members.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every fileCompactEvery writes
// and after each prune.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	members      map[int64]map[int64]Member
	writes       int
}

type memberRecord struct {
	Op     string `json:"op"` // "put" or "del"
	Member Member `json:"m"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".members.snapshot.json"
	journalPath := prefix + ".members.journal.jsonl"
	members := map[int64]map[int64]Member{}
	if err := loadMemberSnapshot(snapPath, members); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("member snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayMemberJournal(journalPath, members); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("member journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		members:      members,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked(), s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) UpsertMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	upsertInto(s.members, m)
	return s.journalLocked(memberRecord{Op: "put", Member: m})
}

func (s *fileStore) RemoveMember(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	removeFrom(s.members, chatID, userID)
	return s.journalLocked(memberRecord{Op: "del", Member: Member{ChatID: chatID, UserID: userID}})
}

func (s *fileStore) journalLocked(r memberRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("member compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Members(_ context.Context, chatID int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return sortedMembers(s.members[chatID]), nil
}

func (s *fileStore) FindMember(_ context.Context, chatID, userID int64, username string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return Member{}, ErrClosed
	}
	return findIn(s.members[chatID], userID, username)
}

func (s *fileStore) PruneMembers(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	n := pruneIn(s.members, before)
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) compactLocked() error {
	all := make([]Member, 0, len(s.members))
	for _, chat := range s.members {
		all = append(all, sortedMembers(chat)...)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadMemberSnapshot(path string, out map[int64]map[int64]Member) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []Member
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, m := range all {
		upsertInto(out, m)
	}
	return nil
}

func replayMemberJournal(path string, out map[int64]map[int64]Member) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r memberRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue // torn tail write
		}
		switch r.Op {
		case "put":
			upsertInto(out, r.Member)
		case "del":
			removeFrom(out, r.Member.ChatID, r.Member.UserID)
		}
	}
	return sc.Err()
}
