package dictionary

import "errors"

var (
	ErrCorruptLog   = errors.New("the log contains bytes that do not decode as values")
	ErrPathNotFound = errors.New("the path does not resolve to a value")
	ErrNotObject    = errors.New("the value is not an object")
	ErrRefRange     = errors.New("the ref is beyond the end of the log")
)
