// Package failure holds the error taxonomy shared by the pipeline. Callers
// wrap one of the sentinels with context and test with errors.Is.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution means no provider produced an acceptable candidate.
	ErrResolution = errors.New("resolution failure")
	// ErrTransfer covers network and subprocess errors mid-download.
	ErrTransfer = errors.New("transfer failure")
	// ErrIntegrity marks a cached file that failed structural validation.
	ErrIntegrity = errors.New("integrity failure")
	// ErrStall is returned by tail reads that saw no progress in time.
	ErrStall = errors.New("stall failure")
	// ErrProviderBlocked signals an auth or rate-limit response upstream.
	ErrProviderBlocked = errors.New("provider blocked")
)

// Wrap annotates err with kind so errors.Is(err, kind) holds. A nil err
// yields a bare kind error carrying the message.
func Wrap(kind error, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}

// Kind names the taxonomy entry err belongs to, for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrProviderBlocked):
		return "provider_blocked"
	case errors.Is(err, ErrStall):
		return "stall"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	default:
		return "other"
	}
}
