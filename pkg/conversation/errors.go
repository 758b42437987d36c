package conversation

import (
	"errors"
	"fmt"

	"github.com/heartline/heartline/pkg/relationship"
	"github.com/heartline/heartline/pkg/storage"
)

var (
	// ErrInvalidInput is returned before any I/O for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden is returned when the conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")
	// ErrContextOverflow is returned when the payload cannot fit the
	// context limit even after every trimming step.
	ErrContextOverflow = errors.New("context budget exceeded")
	// ErrRecordStoreUnavailable is shared with the relationship engine so
	// callers match a single sentinel.
	ErrRecordStoreUnavailable = relationship.ErrRecordStoreUnavailable
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storeError(op string, err error) error {
	if storage.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRecordStoreUnavailable, err)
}
