package kafka

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type partitionKey struct {
	topic     string
	partition int32
}

// partitionOffsets holds the records handed out on one partition, oldest first.
type partitionOffsets struct {
	pending []*kgo.Record
	done    map[int64]bool
}

// offsetTracker decides which offsets are safe to commit. Records on a
// partition may be settled in any order by concurrent workers, but a commit
// marks everything before it as processed, so only the contiguous settled
// prefix of each partition is ever committed.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[partitionKey]*partitionOffsets{}}
}

// track registers a record as handed out.
func (t *offsetTracker) track(r *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey{r.Topic, r.Partition}
	p := t.parts[key]
	if p == nil {
		p = &partitionOffsets{done: map[int64]bool{}}
		t.parts[key] = p
	}
	// Offsets going backwards means the partition was reassigned and is being
	// read again from its last commit; the old bookkeeping no longer applies.
	if n := len(p.pending); n > 0 && r.Offset <= p.pending[n-1].Offset {
		p.pending = nil
		p.done = map[int64]bool{}
	}
	p.pending = append(p.pending, r)
}

// settle marks r processed and returns the newest record that may now be
// committed, or nil while an older record on the partition is still open.
func (t *offsetTracker) settle(r *kgo.Record) *kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.parts[partitionKey{r.Topic, r.Partition}]
	if p == nil {
		return nil
	}
	p.done[r.Offset] = true

	var commit *kgo.Record
	for len(p.pending) > 0 && p.done[p.pending[0].Offset] {
		commit = p.pending[0]
		delete(p.done, commit.Offset)
		p.pending = p.pending[1:]
	}
	return commit
}
