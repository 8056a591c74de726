package store

import "errors"

var (
	ErrLogEmpty     = errors.New("no layers are stored for the branch")
	ErrCorruptHead  = errors.New("the branch head record could not be decoded")
	ErrMissingLayer = errors.New("a layer named by the branch head is missing")
)
