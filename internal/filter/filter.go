// Package filter screens raw records before they are decoded. A rejected
// record is counted by reason and skipped; it never stops a stream.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Reason classifies a rejected record.
type Reason string

const (
	ReasonFieldCount          Reason = "field_count"
	ReasonNotNumeric          Reason = "not_numeric"
	ReasonOutOfOrder          Reason = "out_of_order"
	ReasonDuplicate           Reason = "duplicate"
	ReasonOutOfRange          Reason = "out_of_range"
	ReasonBadChecksum         Reason = "bad_checksum"
	ReasonUnsupportedSentence Reason = "unsupported_sentence"
	ReasonShortPayload        Reason = "short_payload"
	ReasonWrongPort           Reason = "wrong_port"
	ReasonUnpaired            Reason = "unpaired"

	// Window reasons are raised for readers opened with a time window. The
	// first after_window record ends its stream.
	ReasonBeforeWindow Reason = "before_window"
	ReasonAfterWindow  Reason = "after_window"

	// ReasonOversized is raised by the chunk stage for an element larger
	// than the chunk cap.
	ReasonOversized Reason = "oversized"
)

// Record is one raw record as read from a source, before decoding.
type Record struct {
	Index     int      // 0-based position in the source
	Fields    []string // delimited text fields; Fields[0] is the timestamp
	Raw       string   // raw text line for line-oriented sources
	Payload   []byte   // binary payload
	Timestamp int64    // set by binary sources whose time is not in Fields
	Port      int      // UDP destination port for packet sources
	Parts     int      // members found for multi-part records
}

// Rejection reports a filtered record. It implements error so readers can
// return it from Next.
type Rejection struct {
	Reason Reason
	Index  int
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("record %d rejected: %s", r.Index, r.Reason)
	}
	return fmt.Sprintf("record %d rejected: %s: %s", r.Index, r.Reason, r.Detail)
}

func reject(rec Record, reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Index: rec.Index, Detail: fmt.Sprintf(format, args...)}
}

// Filter checks one record. Check returns nil to accept or a *Rejection.
type Filter interface {
	Check(rec Record) error
}

// Chain runs filters in order; the first rejection wins. Stateful filters
// such as Monotonic go last so a record rejected by a later filter cannot
// advance their state.
type Chain []Filter

// Check implements Filter.
func (c Chain) Check(rec Record) error {
	for _, f := range c {
		if err := f.Check(rec); err != nil {
			return err
		}
	}
	return nil
}

// FieldCount bounds the number of text fields, timestamp included. A zero
// Max means no upper bound.
type FieldCount struct {
	Min, Max int
}

// Check implements Filter.
func (f FieldCount) Check(rec Record) error {
	n := len(rec.Fields)
	if n < f.Min || (f.Max > 0 && n > f.Max) {
		return reject(rec, ReasonFieldCount, "got %d fields, want %d..%d", n, f.Min, f.Max)
	}
	return nil
}

// Numeric requires Fields[0] to be an integer timestamp and every field from
// index From onwards to parse as a float.
type Numeric struct {
	From int
}

// Check implements Filter.
func (f Numeric) Check(rec Record) error {
	if len(rec.Fields) > 0 {
		if _, err := strconv.ParseInt(strings.TrimSpace(rec.Fields[0]), 10, 64); err != nil {
			return reject(rec, ReasonNotNumeric, "timestamp %q", rec.Fields[0])
		}
	}
	from := f.From
	if from < 1 {
		from = 1
	}
	for i := from; i < len(rec.Fields); i++ {
		if _, err := strconv.ParseFloat(strings.TrimSpace(rec.Fields[i]), 64); err != nil {
			return reject(rec, ReasonNotNumeric, "field %d %q", i, rec.Fields[i])
		}
	}
	return nil
}

// Monotonic rejects timestamps that go backwards within one source, and
// repeated timestamps unless AllowDuplicates is set. It is stateful; use one
// per source.
type Monotonic struct {
	AllowDuplicates bool

	last    int64
	started bool
}

// Check implements Filter.
func (f *Monotonic) Check(rec Record) error {
	ts := rec.Timestamp
	if len(rec.Fields) > 0 {
		v, err := strconv.ParseInt(strings.TrimSpace(rec.Fields[0]), 10, 64)
		if err != nil {
			return reject(rec, ReasonNotNumeric, "timestamp %q", rec.Fields[0])
		}
		ts = v
	}
	if f.started {
		if ts < f.last {
			return reject(rec, ReasonOutOfOrder, "timestamp %d after %d", ts, f.last)
		}
		if ts == f.last && !f.AllowDuplicates {
			return reject(rec, ReasonDuplicate, "timestamp %d", ts)
		}
	}
	f.last, f.started = ts, true
	return nil
}

// Range bounds one value column; Column 0 is Fields[1]. Nil bounds are open.
// Records without the column pass.
type Range struct {
	Column   int
	Min, Max *float64
}

// Check implements Filter.
func (f Range) Check(rec Record) error {
	i := f.Column + 1
	if i >= len(rec.Fields) {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rec.Fields[i]), 64)
	if err != nil {
		return reject(rec, ReasonNotNumeric, "field %d %q", i, rec.Fields[i])
	}
	if (f.Min != nil && v < *f.Min) || (f.Max != nil && v > *f.Max) {
		return reject(rec, ReasonOutOfRange, "column %d value %g", f.Column, v)
	}
	return nil
}

// MinPayload requires at least Bytes of binary payload.
type MinPayload struct {
	Bytes int
}

// Check implements Filter.
func (f MinPayload) Check(rec Record) error {
	if len(rec.Payload) < f.Bytes {
		return reject(rec, ReasonShortPayload, "%d bytes, want at least %d", len(rec.Payload), f.Bytes)
	}
	return nil
}

// UDPPort keeps packets sent to Port. Zero keeps every port.
type UDPPort struct {
	Port int
}

// Check implements Filter.
func (f UDPPort) Check(rec Record) error {
	if f.Port != 0 && rec.Port != f.Port {
		return reject(rec, ReasonWrongPort, "port %d, want %d", rec.Port, f.Port)
	}
	return nil
}

// Paired requires multi-part records, such as stereo frames, to be complete.
type Paired struct {
	Parts int
}

// Check implements Filter.
func (f Paired) Check(rec Record) error {
	if rec.Parts < f.Parts {
		return reject(rec, ReasonUnpaired, "%d of %d parts", rec.Parts, f.Parts)
	}
	return nil
}
