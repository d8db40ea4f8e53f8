package mutation

import (
	"errors"
	"fmt"
)

// ErrStore marks a transaction or connectivity failure. Nothing was applied.
var ErrStore = errors.New("store failure")

// ValidationError reports a malformed or disallowed mutation request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalidf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a mutation that does not fit the current row state:
// an insert on an existing row, or an update/delete on a missing one.
type ConflictError struct {
	Table  string
	RowID  int64
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// PayloadTooLargeError reports a serialized diff above the size limit.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("Diff payload too large (%d bytes, limit %d).", e.Size, e.Limit)
}

// IsRejection reports whether err is a client-side rejection rather than a
// store failure.
func IsRejection(err error) bool {
	var (
		validation *ValidationError
		conflict   *ConflictError
		tooLarge   *PayloadTooLargeError
	)
	return errors.As(err, &validation) || errors.As(err, &conflict) || errors.As(err, &tooLarge)
}
