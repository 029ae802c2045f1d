package queue

import (
	"encoding/json"
	"sort"
)

// Task is one unit of work. An empty ID is replaced with a random UUID on
// submission.
type Task[T any] struct {
	ID   string
	Data T
	// Total is the expected number of progress units (0 = unknown).
	Total int
}

// Batch maps task ids to the tasks dispatched together in one Job.
type Batch[T any] map[string]Task[T]

// IDs returns the batch ids, sorted.
func (b Batch[T]) IDs() []string {
	out := make([]string, 0, len(b))
	for id := range b {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Codec converts task payloads to and from store entries.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
