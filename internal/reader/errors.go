package reader

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode classifies a record that could not be decoded. It is
	// recoverable: the record is counted and skipped.
	ErrDecode = errors.New("decode error")

	// ErrSourceUnavailable classifies a source that cannot be opened or read.
	// It ends the affected stream only.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// DecodeError reports one malformed record.
type DecodeError struct {
	Sensor string
	Index  int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: record %d: decode: %v", e.Sensor, e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports ErrDecode as a match.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// SourceError reports an unusable source.
type SourceError struct {
	Sensor string
	Path   string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: source %s unavailable: %v", e.Sensor, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is reports ErrSourceUnavailable as a match.
func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }

func decodeErr(sensor string, index int, format string, args ...any) *DecodeError {
	return &DecodeError{Sensor: sensor, Index: index, Err: fmt.Errorf(format, args...)}
}

func sourceErr(sensor, path string, err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return &SourceError{Sensor: sensor, Path: path, Err: err}
}
