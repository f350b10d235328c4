package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNotOpen is returned when a terminal update targets a run that is not
// running. Terminal states are final.
var ErrNotOpen = errors.New("storage: run is not open")
