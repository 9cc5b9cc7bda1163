package element

import (
	"sort"

	"github.com/banshee-data/slamfeed/internal/sensors"
)

// Ranker orders sensors whose elements share a timestamp. Lower ranks go
// first. Implementations must give a total order over the run's sensors.
type Ranker interface {
	Rank(s *sensors.Sensor) int
}

// KindRanker ranks by kind registration order only. It is the fallback when
// no priority is configured; two sensors of the same kind tie.
type KindRanker struct{}

// Rank returns the kind's registration index.
func (KindRanker) Rank(s *sensors.Sensor) int {
	if s == nil {
		return int(^uint(0) >> 1)
	}
	return s.Kind().Rank()
}

// Compare orders a before b by timestamp, then by sensor rank. It returns
// a negative number, zero or a positive number.
func Compare(a, b Element, r Ranker) int {
	switch {
	case a.timestamp < b.timestamp:
		return -1
	case a.timestamp > b.timestamp:
		return 1
	}
	ra, rb := r.Rank(a.Sensor()), r.Rank(b.Sensor())
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

// SortStable sorts elements in place by Compare, keeping input order among
// equal keys.
func SortStable(els []Element, r Ranker) {
	sort.SliceStable(els, func(i, j int) bool {
		return Compare(els[i], els[j], r) < 0
	})
}

// IsSorted reports whether els is non-decreasing under Compare.
func IsSorted(els []Element, r Ranker) bool {
	for i := 1; i < len(els); i++ {
		if Compare(els[i-1], els[i], r) > 0 {
			return false
		}
	}
	return true
}

// TotalSize sums Size over els.
func TotalSize(els []Element) int64 {
	var n int64
	for _, e := range els {
		n += e.Size()
	}
	return n
}
