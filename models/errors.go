package models

import "errors"

var (
	// ErrStoreUnavailable wraps any read or write failure against the record store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrValidationFailed covers empty id sets, unknown statuses and empty family lookups.
	ErrValidationFailed = errors.New("validation failed")
	// ErrUnknownEntity is returned for ids absent from the current snapshot.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrStaleWrite is a reason code only; superseded rows are reported in a
	// write result rather than returned as an error.
	ErrStaleWrite = errors.New("stale write")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoBaseline is returned when the initial snapshot could not be built.
	ErrNoBaseline = errors.New("no baseline snapshot")
)

// ReasonCode maps an error to the stable code reported to clients. A failed
// baseline reports no_baseline whatever caused it.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoBaseline):
		return "no_baseline"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrUnknownEntity):
		return "unknown_entity"
	case errors.Is(err, ErrStaleWrite):
		return "stale_write"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	}
	return "internal"
}
