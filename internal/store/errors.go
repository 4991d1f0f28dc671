package store

import (
	"errors"
	"fmt"
)

// ErrDuplicate is returned by the in-memory store when a unique key is
// reused. Postgres reports the same condition as a constraint violation.
var ErrDuplicate = errors.New("duplicate key")

func errDuplicate(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrDuplicate)
}
