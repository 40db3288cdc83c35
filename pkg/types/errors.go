package types

import "errors"

// Sentinel errors returned by the public operations. Callers match them with
// errors.Is; the HTTP layer maps ErrInvalid* to 400 and ErrNotFound to 404.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidCheck    = errors.New("invalid check")
	ErrInvalidRule     = errors.New("invalid alert rule")
	ErrInvalidIncident = errors.New("invalid incident")
	ErrInvalidChannel  = errors.New("invalid notification channel")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrConflict        = errors.New("conflict")
)

// IsInvalid reports whether err is a configuration error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidCheck) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrInvalidIncident) ||
		errors.Is(err, ErrInvalidChannel) ||
		errors.Is(err, ErrInvalidQuery)
}
