package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "batchq/pkg/logx"
)

func init() {
	Register("file", openFile)
}

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of pending entries)
//   - <prefix>.journal.jsonl (append-only journal of puts and takes)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log  logx.Logger
	sync bool

	snapshotPath string
	journalPath  string

	mu      sync.Mutex
	idx     *index
	journal *os.File
	writes  int
}

type journalRecord struct {
	Op   string   `json:"op"` // "put" | "del"
	Item *item    `json:"item,omitempty"`
	IDs  []string `json:"ids,omitempty"`
}

type snapshotFile struct {
	NextSeq uint64 `json:"next_seq"`
	Items   []item `json:"items"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	return &fileStore{
		log:          log,
		sync:         cfg.Sync,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		idx:          newIndex(),
	}, nil
}

func (s *fileStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.journalPath), 0o755); err != nil {
		return err
	}

	idx := newIndex()
	if err := loadSnapshot(s.snapshotPath, idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("store snapshot unreadable; starting from journal", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	replayed, err := replayJournal(s.journalPath, idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.idx = idx
	s.journal = jf
	s.writes = replayed
	s.log.Debug("file store loaded", logx.Int("pending", idx.len()), logx.Int("journal_records", replayed))
	return nil
}

func (s *fileStore) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrNotReady
	}
	it := s.idx.put(e)
	return s.appendLocked(journalRecord{Op: "put", Item: &it})
}

func (s *fileStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Entry{}, false, ErrNotReady
	}
	e, ok := s.idx.get(id)
	return e, ok, nil
}

func (s *fileStore) TakeFirst(ctx context.Context, n int) ([]Entry, error) {
	return s.take(ctx, n, (*index).takeFirst)
}

func (s *fileStore) TakeLast(ctx context.Context, n int) ([]Entry, error) {
	return s.take(ctx, n, (*index).takeLast)
}

func (s *fileStore) take(ctx context.Context, n int, fn func(*index, int) []Entry) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrNotReady
	}
	out := fn(s.idx, n)
	if len(out) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(out))
	for _, e := range out {
		ids = append(ids, e.ID)
	}
	if err := s.appendLocked(journalRecord{Op: "del", IDs: ids}); err != nil {
		// Put the entries back so the in-memory view matches the journal.
		for _, e := range out {
			s.idx.put(e)
		}
		return nil, err
	}
	return out, nil
}

func (s *fileStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.len(), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("store compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if s.sync {
		if err := s.journal.Sync(); err != nil {
			return err
		}
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := snapshotFile{NextSeq: s.idx.nextSeq, Items: s.idx.snapshot()}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// The journal is opened O_APPEND, so writes land at the new end.
	return s.journal.Truncate(0)
}

func loadSnapshot(path string, idx *index) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, it := range snap.Items {
		idx.restore(it)
	}
	if snap.NextSeq > idx.nextSeq {
		idx.nextSeq = snap.NextSeq
	}
	return nil
}

func replayJournal(path string, idx *index) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write; everything before it is still valid.
			continue
		}
		switch r.Op {
		case "put":
			if r.Item != nil && r.Item.ID != "" {
				idx.restore(*r.Item)
			}
		case "del":
			for _, id := range r.IDs {
				idx.remove(id)
			}
		}
		n++
	}
	return n, sc.Err()
}
