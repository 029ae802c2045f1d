package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"strings"
	"sync"

	logx "batchq/pkg/logx"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

func init() {
	Register("pebble", openPebble)
}

// Key layout:
//
//	t/<id>                 -> JSON record
//	f/<prio desc><seq>     -> id   (take-first order)
//	l/<prio desc><^seq>    -> id   (take-last order)
//	m/seq                  -> last issued sequence
var (
	prefixTask  = []byte("t/")
	prefixFirst = []byte("f/")
	prefixLast  = []byte("l/")
	keySeq      = []byte("m/seq")
)

type pebbleRecord struct {
	Seq      uint64  `json:"seq"`
	Priority float64 `json:"priority"`
	Total    int     `json:"total,omitempty"`
	Data     []byte  `json:"data,omitempty"`
}

type pebbleStore struct {
	log  logx.Logger
	path string
	sync pebble.WriteOptions

	mu      sync.Mutex
	db      *pebble.DB
	nextSeq uint64
	closed  bool
}

func openPebble(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for pebble driver")
	}
	wo := pebble.NoSync
	if cfg.Sync {
		wo = pebble.Sync
	}
	return &pebbleStore{log: log, path: path, sync: *wo}, nil
}

func (s *pebbleStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.db != nil {
		return nil
	}

	opts := &pebble.Options{}
	if s.path == ":memory:" {
		opts.FS = vfs.NewMem()
	} else if err := os.MkdirAll(s.path, 0o755); err != nil {
		return err
	}
	db, err := pebble.Open(s.path, opts)
	if err != nil {
		return err
	}

	val, closer, err := db.Get(keySeq)
	switch {
	case err == nil:
		if len(val) == 8 {
			s.nextSeq = binary.BigEndian.Uint64(val)
		}
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = db.Close()
		return err
	}
	s.db = db
	s.log.Debug("pebble store ready", logx.String("path", s.path), logx.Uint64("seq", s.nextSeq))
	return nil
}

func (s *pebbleStore) readyLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.db == nil {
		return ErrNotReady
	}
	return nil
}

func (s *pebbleStore) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	rec := pebbleRecord{Priority: e.Priority, Total: e.Total, Data: e.Data}
	old, ok, err := s.getLocked(e.ID)
	if err != nil {
		return err
	}
	nextSeq := s.nextSeq
	if ok {
		rec.Seq = old.Seq
		if err := deleteOrderKeys(b, e.ID, old); err != nil {
			return err
		}
	} else {
		nextSeq++
		rec.Seq = nextSeq
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], nextSeq)
		if err := b.Set(keySeq, seq[:], nil); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.Set(taskKey(e.ID), raw, nil); err != nil {
		return err
	}
	if err := b.Set(orderKey(prefixFirst, rec.Priority, rec.Seq), []byte(e.ID), nil); err != nil {
		return err
	}
	if err := b.Set(orderKey(prefixLast, rec.Priority, ^rec.Seq), []byte(e.ID), nil); err != nil {
		return err
	}
	if err := b.Commit(&s.sync); err != nil {
		return err
	}
	s.nextSeq = nextSeq
	return nil
}

func (s *pebbleStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return Entry{}, false, err
	}
	rec, ok, err := s.getLocked(id)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return rec.entry(id), true, nil
}

func (s *pebbleStore) TakeFirst(ctx context.Context, n int) ([]Entry, error) {
	return s.take(ctx, n, prefixFirst)
}

func (s *pebbleStore) TakeLast(ctx context.Context, n int) ([]Entry, error) {
	return s.take(ctx, n, prefixLast)
}

func (s *pebbleStore) take(ctx context.Context, n int, prefix []byte) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return nil, err
	}

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, n)
	for ok := it.First(); ok && len(ids) < n; ok = it.Next() {
		ids = append(ids, string(it.Value()))
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.getLocked(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := deleteOrderKeys(b, id, rec); err != nil {
			return nil, err
		}
		if err := b.Delete(taskKey(id), nil); err != nil {
			return nil, err
		}
		out = append(out, rec.entry(id))
	}
	if err := b.Commit(&s.sync); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pebbleStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return 0, err
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefixTask, UpperBound: prefixEnd(prefixTask)})
	if err != nil {
		return 0, err
	}
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n, it.Close()
}

func (s *pebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *pebbleStore) getLocked(id string) (pebbleRecord, bool, error) {
	val, closer, err := s.db.Get(taskKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return pebbleRecord{}, false, nil
	}
	if err != nil {
		return pebbleRecord{}, false, err
	}
	defer closer.Close()
	var rec pebbleRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return pebbleRecord{}, false, err
	}
	return rec, true, nil
}

func (r pebbleRecord) entry(id string) Entry {
	return Entry{ID: id, Data: r.Data, Priority: r.Priority, Total: r.Total}
}

func deleteOrderKeys(b *pebble.Batch, id string, rec pebbleRecord) error {
	if err := b.Delete(orderKey(prefixFirst, rec.Priority, rec.Seq), nil); err != nil {
		return err
	}
	return b.Delete(orderKey(prefixLast, rec.Priority, ^rec.Seq), nil)
}

func taskKey(id string) []byte {
	return append(append([]byte(nil), prefixTask...), id...)
}

// orderKey sorts by priority descending, then by seq ascending.
func orderKey(prefix []byte, prio float64, seq uint64) []byte {
	k := make([]byte, 0, len(prefix)+16)
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, ^sortableFloat(prio))
	k = binary.BigEndian.AppendUint64(k, seq)
	return k
}

// sortableFloat maps a float64 onto a uint64 with the same ordering.
func sortableFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
