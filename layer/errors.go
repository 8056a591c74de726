package layer

import "errors"

var (
	ErrOutOfRange  = errors.New("address or index is outside the layer history")
	ErrSquashRange = errors.New("squash index is beyond the tip of the layer chain")
)
