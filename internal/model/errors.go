package model

import (
	"errors"
	"fmt"
)

// Taxonomy. Every user-facing failure wraps exactly one of these.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrInvalidInput       = errors.New("invalid input")
)

var (
	ErrEventNotFound     = fmt.Errorf("event %w", ErrNotFound)
	ErrChallengeNotFound = fmt.Errorf("challenge %w", ErrNotFound)
	ErrRequestNotFound   = fmt.Errorf("join request %w", ErrNotFound)
	ErrEventClosed       = fmt.Errorf("event closed: %w", ErrInvalidState)
	ErrAlreadyJoined     = fmt.Errorf("already joined: %w", ErrInvalidState)
	ErrNotPending        = fmt.Errorf("not pending: %w", ErrInvalidState)
	ErrNotChallenged     = fmt.Errorf("only the challenged user may accept: %w", ErrUnauthorized)
	ErrNotCreator        = fmt.Errorf("only the event creator may decide: %w", ErrUnauthorized)
	ErrInvalidAmount     = fmt.Errorf("invalid amount: %w", ErrInvalidInput)
)
