package storage

import "errors"

// ErrNotArchived is returned when a fill id has no archived record
var ErrNotArchived = errors.New("assignment not archived")
