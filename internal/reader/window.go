package reader

import (
	"io"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
)

// windowed limits a reader to [start, stop]. Elements stamped before start
// are rejected as before_window. The first element after stop is rejected as
// after_window and ends the stream, since sources are read in time order.
type windowed struct {
	Reader
	start, stop int64
	index       int
	past        bool
}

func newWindowed(r Reader, w *config.WindowConfig) *windowed {
	start, stop := w.Bounds()
	return &windowed{Reader: r, start: start, stop: stop}
}

func (w *windowed) Next() (element.Element, error) {
	if w.past {
		return element.Element{}, io.EOF
	}
	el, err := w.Reader.Next()
	idx := w.index
	w.index++
	if err != nil {
		return el, err
	}

	switch ts := el.Timestamp(); {
	case ts < w.start:
		return element.Element{}, &filter.Rejection{Reason: filter.ReasonBeforeWindow, Index: idx}
	case ts > w.stop:
		w.past = true
		return element.Element{}, &filter.Rejection{Reason: filter.ReasonAfterWindow, Index: idx}
	}
	return el, nil
}
