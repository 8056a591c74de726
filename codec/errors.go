package codec

import "errors"

var (
	ErrUnknownFooter   = errors.New("the footer byte has no registered codec version")
	ErrEncodeMismatch  = errors.New("no codec supports the value")
	ErrAddressRange    = errors.New("the address does not fit the widest address encoding")
	ErrCorruptValue    = errors.New("the encoded value is inconsistent with its footer")
	ErrRegistryFull    = errors.New("the codec versions exceed the one byte footer space")
	ErrTypedArrayShape = errors.New("the typed array bytes are not a whole number of elements")
)
