// Package batch merges per-sensor chunks into globally time-ordered batches,
// the unit handed to the frontend.
package batch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/banshee-data/slamfeed/internal/element"
)

// ErrBatchFull is returned by Add once the batch cannot take the element.
// Callers close the batch and open a new one.
var ErrBatchFull = errors.New("batch full")

// Batch is an ordered run of elements across sensors. It is owned by the
// factory until emitted and is read-only afterwards.
type Batch struct {
	ID  uuid.UUID
	Seq int
	Cap int64

	ranker   element.Ranker
	elements []element.Element
	size     int64
}

// New returns an empty batch. A nil ranker orders ties by sensor kind.
func New(seq int, capBytes int64, r element.Ranker) *Batch {
	if r == nil {
		r = element.KindRanker{}
	}
	return &Batch{ID: uuid.New(), Seq: seq, Cap: capBytes, ranker: r}
}

// Add appends el. It fails with ErrBatchFull when the batch is full or el
// would push it past Cap.
func (b *Batch) Add(el element.Element) error {
	if b.Full() || !b.Fits(el) {
		return fmt.Errorf("%w: %s (%d bytes) into batch %d at %d/%d bytes",
			ErrBatchFull, el, el.Size(), b.Seq, b.size, b.Cap)
	}
	b.elements = append(b.elements, el)
	b.size += el.Size()
	return nil
}

// Fits reports whether el can be added without exceeding Cap.
func (b *Batch) Fits(el element.Element) bool {
	return b.size+el.Size() <= b.Cap
}

// Full reports whether the batch has reached its cap.
func (b *Batch) Full() bool {
	return b.size >= b.Cap
}

// Sort restores timestamp order after out-of-band insertion. It is stable,
// so sorting a sorted batch leaves it unchanged.
func (b *Batch) Sort() {
	element.SortStable(b.elements, b.ranker)
}

// Sorted reports whether the elements are in merge order.
func (b *Batch) Sorted() bool {
	return element.IsSorted(b.elements, b.ranker)
}

// Elements returns the elements in order. The slice must not be modified.
func (b *Batch) Elements() []element.Element {
	return b.elements
}

// Len returns the element count.
func (b *Batch) Len() int {
	return len(b.elements)
}

// Size returns the accumulated element size in bytes.
func (b *Batch) Size() int64 {
	return b.size
}

// Bounds returns the first and last timestamps. ok is false when empty.
func (b *Batch) Bounds() (first, last int64, ok bool) {
	if len(b.elements) == 0 {
		return 0, 0, false
	}
	return b.elements[0].Timestamp(), b.elements[len(b.elements)-1].Timestamp(), true
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch %d (%d elements, %d/%d bytes)", b.Seq, len(b.elements), b.size, b.Cap)
}
