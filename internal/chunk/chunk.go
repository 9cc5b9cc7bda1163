// Package chunk drains sensor readers into size-bounded, per-sensor chunks.
//
// One task runs per sensor stream. Each task pulls from its reader, applies
// the per-stream guards and hands full chunks to a bounded queue read by the
// batch merge. A shared Gate pauses every task while memory usage is above
// the permissible ceiling.
package chunk

import (
	"github.com/google/uuid"

	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// Chunk is an ordered run of elements from one sensor. Size never exceeds
// Cap. A chunk is owned by its stream until sent, and by the merge after.
type Chunk struct {
	ID       uuid.UUID
	Sensor   *sensors.Sensor
	Elements []element.Element
	Size     int64
	Cap      int64
}

// New returns an empty chunk for s.
func New(s *sensors.Sensor, capBytes int64) *Chunk {
	return &Chunk{ID: uuid.New(), Sensor: s, Cap: capBytes}
}

// Fits reports whether el can be appended without exceeding Cap.
func (c *Chunk) Fits(el element.Element) bool {
	return c.Size+el.Size() <= c.Cap
}

// Full reports whether the chunk has reached its cap.
func (c *Chunk) Full() bool {
	return c.Size >= c.Cap
}

// Len returns the number of elements.
func (c *Chunk) Len() int {
	return len(c.Elements)
}

// Bounds returns the first and last timestamps. ok is false when empty.
func (c *Chunk) Bounds() (first, last int64, ok bool) {
	if len(c.Elements) == 0 {
		return 0, 0, false
	}
	return c.Elements[0].Timestamp(), c.Elements[len(c.Elements)-1].Timestamp(), true
}

// add appends el; the caller has checked Fits and ordering.
func (c *Chunk) add(el element.Element) {
	c.Elements = append(c.Elements, el)
	c.Size += el.Size()
}
