// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation collides with existing state, such as
// submitting a turn while another is already running or registering a
// duplicate approval identifier.
var ErrConflict = errors.New("conflict")

// ErrTimeout indicates a pending operation expired before it was resolved.
var ErrTimeout = errors.New("timed out")

// ErrInvalidInput indicates a malformed identifier or request payload.
var ErrInvalidInput = errors.New("invalid input")
