// Package offsets tracks consumption progress for the partitions a group
// member owns. The cursor distinguishes resolved offsets (processed, eligible
// for commit) from committed offsets (persisted to the group coordinator),
// and records seek requests that invalidate in-flight batches.
package offsets

import "sync"

// Offsets maps topic to partition to the next offset to be committed for that
// partition: one past the last processed message. This is the value sent to
// the group coordinator on commit.
type Offsets map[string]map[int32]int64

func (o Offsets) Add(topic string, partition int32, offset int64) {
	p := o[topic]
	if p == nil {
		p = make(map[int32]int64)
		o[topic] = p
	}
	p[partition] = offset
}

func (o Offsets) Count() int {
	var n int
	for _, p := range o {
		n += len(p)
	}
	return n
}

type tp struct {
	topic     string
	partition int32
}

// Cursor is the per-member offset table. Zero value is ready to use. Safe for
// concurrent use: batch processing tasks for different partitions resolve
// offsets concurrently while commits snapshot the table.
type Cursor struct {
	mu        sync.Mutex
	next      map[tp]int64 // next offset to commit (resolved + 1)
	committed map[tp]int64
	seeks     map[tp]int64
}

func (c *Cursor) init() {
	if c.next != nil {
		return
	}
	c.next = make(map[tp]int64)
	c.committed = make(map[tp]int64)
	c.seeks = make(map[tp]int64)
}

// Assign resets the cursor for a new generation. All resolved-but-uncommitted
// progress is discarded: after a rebalance the partitions may belong to
// somebody else.
func (c *Cursor) Assign() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = make(map[tp]int64)
	c.committed = make(map[tp]int64)
	c.seeks = make(map[tp]int64)
}

// Resolve marks the message at offset as processed: offset+1 becomes eligible
// for commit. Resolution is monotonic, resolving an offset lower than one
// already resolved is a nop.
func (c *Cursor) Resolve(topic string, partition int32, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	k := tp{topic, partition}
	if next := offset + 1; next > c.next[k] {
		c.next[k] = next
	}
}

// SetCommitted records the offset the coordinator has persisted for the
// partition. Called when committed offsets are fetched on assignment and
// after every successful commit.
func (c *Cursor) SetCommitted(topic string, partition int32, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	k := tp{topic, partition}
	c.committed[k] = offset
	if offset > c.next[k] {
		c.next[k] = offset
	}
}

// Uncommitted returns the offsets that have been resolved but not yet
// committed. The returned map is a snapshot, safe to hold across commits.
func (c *Cursor) Uncommitted() Offsets {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	o := Offsets{}
	for k, next := range c.next {
		if next > c.committed[k] {
			o.Add(k.topic, k.partition, next)
		}
	}
	return o
}

// Committed returns the committed offset for the partition, -1 when nothing
// has been committed.
func (c *Cursor) Committed(topic string, partition int32) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if o, ok := c.committed[tp{topic, partition}]; ok {
		return o
	}
	return -1
}

// Seek requests repositioning the partition read cursor. The request
// invalidates any in-flight batch for the partition (HasSeek) and is consumed
// by the next fetch (TakeSeek).
func (c *Cursor) Seek(topic string, partition int32, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	c.seeks[tp{topic, partition}] = offset
}

func (c *Cursor) HasSeek(topic string, partition int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	_, ok := c.seeks[tp{topic, partition}]
	return ok
}

// TakeSeek returns and clears the pending seek for the partition. The
// resolved offset for the partition is rewound so that stale progress from
// before the seek can not be committed past it.
func (c *Cursor) TakeSeek(topic string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	k := tp{topic, partition}
	offset, ok := c.seeks[k]
	if !ok {
		return 0, false
	}
	delete(c.seeks, k)
	c.next[k] = offset
	c.committed[k] = offset
	return offset, true
}
