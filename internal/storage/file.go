package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"groupcast/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.lastsent.snapshot.json (periodic snapshot)
//   - <prefix>.lastsent.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	journalPath  string

	// destination -> RFC3339Nano timestamp, raw so corrupt values surface
	// as parse errors on read instead of being silently dropped.
	lastSent map[string]string

	writes int
}

type lastSentRecord struct {
	Destination string `json:"destination"`
	SentAt      string `json:"sent_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".lastsent.snapshot.json"
	journalPath := prefix + ".lastsent.journal.jsonl"

	lastSent := map[string]string{}
	_ = loadSnapshot(snapPath, lastSent)
	_ = replayJournal(journalPath, lastSent)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		journalPath:  journalPath,
		lastSent:     lastSent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) LastSent(ctx context.Context, destination string) (time.Time, bool, error) {
	_ = ctx
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	raw, ok := s.lastSent[destination]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt sent_at for %q: %w", destination, err)
	}
	return at, true, nil
}

func (s *fileStore) SetLastSent(ctx context.Context, destination string, at time.Time) error {
	_ = ctx
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	raw := at.Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.lastSent[destination] = raw

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(lastSentRecord{Destination: destination, SentAt: raw}); err != nil {
		return err
	}
	s.writes++
	if s.writes%512 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("last-sent compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the snapshot from memory and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	b, err := json.Marshal(s.lastSent)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 0)
	return err
}

func loadSnapshot(path string, into map[string]string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &into)
}

func replayJournal(path string, into map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec lastSentRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Likely a torn tail write; later records still apply.
			continue
		}
		if rec.Destination != "" {
			into[rec.Destination] = rec.SentAt
		}
	}
	return sc.Err()
}
