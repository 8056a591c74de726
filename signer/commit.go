package signer

import (
	"fmt"

	"github.com/forestrie/go-turtle/codec"
)

// CommitMessage returns the bytes a commit signature covers: the previous
// commit record, then every byte of the commit layer except the signature.
// The layer ends with the commit record [body address][signature][footer].
func CommitMessage(layerBytes []byte, previousRecord []byte) ([]byte, error) {
	n := len(layerBytes)
	if n < codec.SignatureBytes+2 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a commit", ErrSignatureInvalid, n)
	}
	v, err := codec.VersionOf(layerBytes[n-1])
	if err != nil || v.Kind != codec.KindCommit {
		return nil, fmt.Errorf("%w: the layer does not end with a commit", ErrSignatureInvalid)
	}
	sigStart := n - 1 - codec.SignatureBytes
	msg := make([]byte, 0, len(previousRecord)+n-codec.SignatureBytes)
	msg = append(msg, previousRecord...)
	msg = append(msg, layerBytes[:sigStart]...)
	msg = append(msg, layerBytes[n-1])
	return msg, nil
}

// CommitSignature returns the signature held in a commit layer.
func CommitSignature(layerBytes []byte) [codec.SignatureBytes]byte {
	var sig [codec.SignatureBytes]byte
	n := len(layerBytes)
	copy(sig[:], layerBytes[n-1-codec.SignatureBytes:n-1])
	return sig
}

// VerifyCommit checks that the commit layer was signed by publicKey and that
// it chains on previousRecord, the commit record ending the prior history
// (nil for the first commit).
func VerifyCommit(publicKey []byte, layerBytes []byte, previousRecord []byte) error {
	msg, err := CommitMessage(layerBytes, previousRecord)
	if err != nil {
		return err
	}
	if !Verify(publicKey, msg, CommitSignature(layerBytes)) {
		return ErrSignatureInvalid
	}
	return nil
}
