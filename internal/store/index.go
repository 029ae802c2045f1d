package store

import (
	"math"
	"sort"
)

// item is an Entry plus its insertion sequence.
type item struct {
	Entry
	Seq uint64 `json:"seq"`
}

// index keeps entries sorted by (priority desc, seq asc). It is not
// goroutine-safe; callers hold their own lock.
type index struct {
	items   []*item
	byID    map[string]*item
	nextSeq uint64
}

func newIndex() *index {
	return &index{byID: map[string]*item{}}
}

func less(a, b *item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (x *index) len() int { return len(x.items) }

func (x *index) get(id string) (Entry, bool) {
	it, ok := x.byID[id]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(it.Entry), true
}

// put upserts e and returns the stored item (seq included). A NaN priority
// is stored as 0.
func (x *index) put(e Entry) item {
	e = cloneEntry(e)
	if math.IsNaN(e.Priority) {
		e.Priority = 0
	}
	if cur, ok := x.byID[e.ID]; ok {
		if cur.Priority == e.Priority {
			cur.Entry = e
			return *cur
		}
		x.removeAt(x.position(cur))
		cur.Entry = e
		x.insert(cur)
		return *cur
	}
	x.nextSeq++
	it := &item{Entry: e, Seq: x.nextSeq}
	x.byID[e.ID] = it
	x.insert(it)
	return *it
}

// restore inserts a previously persisted item, keeping its sequence.
func (x *index) restore(it item) {
	if cur, ok := x.byID[it.ID]; ok {
		x.removeAt(x.position(cur))
		delete(x.byID, it.ID)
	}
	cp := it
	cp.Entry = cloneEntry(it.Entry)
	x.byID[cp.ID] = &cp
	x.insert(&cp)
	if cp.Seq > x.nextSeq {
		x.nextSeq = cp.Seq
	}
}

func (x *index) remove(id string) bool {
	it, ok := x.byID[id]
	if !ok {
		return false
	}
	x.removeAt(x.position(it))
	delete(x.byID, id)
	return true
}

func (x *index) takeFirst(n int) []Entry {
	if n <= 0 || len(x.items) == 0 {
		return nil
	}
	if n > len(x.items) {
		n = len(x.items)
	}
	out := make([]Entry, 0, n)
	for _, it := range x.items[:n] {
		out = append(out, it.Entry)
		delete(x.byID, it.ID)
	}
	x.items = append(x.items[:0], x.items[n:]...)
	return out
}

// takeLast walks priority bands from highest to lowest and, inside a band,
// takes the newest entries first.
func (x *index) takeLast(n int) []Entry {
	if n <= 0 || len(x.items) == 0 {
		return nil
	}
	out := make([]Entry, 0, min(n, len(x.items)))
	taken := map[*item]bool{}
	for start := 0; start < len(x.items) && len(out) < n; {
		end := start + 1
		for end < len(x.items) && x.items[end].Priority == x.items[start].Priority {
			end++
		}
		for i := end - 1; i >= start && len(out) < n; i-- {
			it := x.items[i]
			out = append(out, it.Entry)
			taken[it] = true
			delete(x.byID, it.ID)
		}
		start = end
	}
	kept := x.items[:0]
	for _, it := range x.items {
		if !taken[it] {
			kept = append(kept, it)
		}
	}
	x.items = kept
	return out
}

// snapshot returns the items in order. The result shares no memory with x.
func (x *index) snapshot() []item {
	out := make([]item, 0, len(x.items))
	for _, it := range x.items {
		cp := *it
		cp.Entry = cloneEntry(it.Entry)
		out = append(out, cp)
	}
	return out
}

func (x *index) insert(it *item) {
	i := sort.Search(len(x.items), func(i int) bool { return less(it, x.items[i]) })
	x.items = append(x.items, nil)
	copy(x.items[i+1:], x.items[i:])
	x.items[i] = it
}

func (x *index) position(it *item) int {
	i := sort.Search(len(x.items), func(i int) bool { return !less(x.items[i], it) })
	for ; i < len(x.items); i++ {
		if x.items[i] == it {
			return i
		}
	}
	return -1
}

func (x *index) removeAt(i int) {
	if i < 0 || i >= len(x.items) {
		return
	}
	copy(x.items[i:], x.items[i+1:])
	x.items[len(x.items)-1] = nil
	x.items = x.items[:len(x.items)-1]
}

func cloneEntry(e Entry) Entry {
	if e.Data != nil {
		e.Data = append([]byte(nil), e.Data...)
	}
	return e
}
