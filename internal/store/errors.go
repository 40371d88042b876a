package store

import "errors"

var (
	// ErrNotFound indicates the requested message does not exist.
	ErrNotFound = errors.New("message not found")
)
