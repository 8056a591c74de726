package turtle

import "errors"

var (
	ErrFastForwardRequired = errors.New("the branch has moved, the workspace must fast forward before committing")
	ErrNotCommit           = errors.New("the history does not end with a commit")
	ErrNoCommits           = errors.New("the branch has no commits")
	ErrUncommitted         = errors.New("the workspace has uncommitted values")
	ErrLengthRange         = errors.New("the length is beyond the branch tip")
)
