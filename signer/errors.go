package signer

import "errors"

var (
	ErrSignatureInvalid = errors.New("the commit signature verification failed")
	ErrKeyDerivation    = errors.New("no valid secp256k1 key could be derived")
	ErrPublicKey        = errors.New("the public key is not a compressed secp256k1 point")
)
