package kafka

import "sync"

// OffsetCursor is a consumer's position in one partition for one group.
// Position is the next offset to read; it is OffsetUnknown until the first
// record arrives or the start offset is absolute.
type OffsetCursor struct {
	Topic     string
	Partition int32
	Group     string
	Position  int64
}

// TopicPartition returns the cursor as a commit request
func (c OffsetCursor) TopicPartition() TopicPartition {
	return TopicPartition{Topic: c.Topic, Partition: c.Partition, Offset: c.Position}
}

// cursor guards an OffsetCursor shared by the consume loop, the commit
// loop and readers.
type cursor struct {
	mu        sync.Mutex
	pos       OffsetCursor
	committed int64
}

func newCursor(sub Subscription) *cursor {
	position := OffsetUnknown
	if sub.From >= 0 {
		position = sub.From
	}
	return &cursor{
		pos: OffsetCursor{
			Topic:     sub.Topic,
			Partition: sub.Partition,
			Group:     sub.Group,
			Position:  position,
		},
		committed: OffsetUnknown,
	}
}

// advance records that offset was read. The position only moves forward.
func (c *cursor) advance(offset int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next := offset + 1; next > c.pos.Position {
		c.pos.Position = next
		return true
	}
	return false
}

// reset moves the position unconditionally and returns the previous one.
// Only out-of-range recovery may move it backwards.
func (c *cursor) reset(position int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.pos.Position
	c.pos.Position = position
	return prev
}

func (c *cursor) snapshot() OffsetCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// pending returns the position if it differs from the last committed one
func (c *cursor) pending() (OffsetCursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos.Position < 0 || c.pos.Position == c.committed {
		return c.pos, false
	}
	return c.pos, true
}

func (c *cursor) markCommitted(position int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = position
}

func (c *cursor) lastCommitted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}
