package relationship

import (
	"errors"
	"fmt"

	"github.com/heartline/heartline/pkg/storage"
)

var (
	// ErrInvalidInput is returned before any I/O for malformed ids, deltas,
	// tiers or trait values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a relationship is still absent after a
	// lazy-create attempt.
	ErrNotFound = errors.New("relationship not found")

	// ErrRecordStoreUnavailable wraps every record store failure. The
	// mutation that hit it was aborted and the cache left untouched.
	ErrRecordStoreUnavailable = errors.New("record store unavailable")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storeError classifies a record store error. The original error stays in
// the chain so *storage.StorageUnavailableError can still be matched.
func storeError(op string, err error) error {
	if storage.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRecordStoreUnavailable, err)
}
