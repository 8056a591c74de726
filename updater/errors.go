package updater

import "errors"

var (
	ErrStopped        = errors.New("the updater is stopped")
	ErrNoBranch       = errors.New("no branch is available for the turtle")
	ErrInvalidMessage = errors.New("the frame does not end with a valid updater message")
)
