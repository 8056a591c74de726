// Package signer derives the secp256k1 keys turtles are signed with and
// signs and verifies commits.
//
// A Signer holds a username and password. Each turtle name gets its own key
// pair, derived deterministically from the credentials, so the same
// credentials always reproduce the same public key for a name and the public
// key identifies the turtle.
package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/forestrie/go-turtle/codec"
)

const (
	// PublicKeyBytes is the size of a compressed secp256k1 public key
	PublicKeyBytes = 33

	keyInfoPrefix = "turtle key:"
	// maxKeyAttempts bounds the search for a valid scalar. A uniformly random
	// 32 byte string is invalid with probability ~2^-128.
	maxKeyAttempts = 16
)

type Signer struct {
	username string
	password []byte
}

func New(username, password string) *Signer {
	return &Signer{username: username, password: []byte(password)}
}

func (s *Signer) Username() string { return s.username }

// KeysFor derives the key pair for the turtle called name.
func (s *Signer) KeysFor(name string) (*KeyPair, error) {
	r := hkdf.New(sha256.New, s.password, []byte(s.username), []byte(keyInfoPrefix+name))
	seed := make([]byte, 32)
	for range maxKeyAttempts {
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, err
		}
		priv, err := crypto.ToECDSA(seed)
		if err == nil {
			return FromPrivateKey(priv), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyDerivation, name)
}

// KeyPair signs on behalf of a single turtle.
type KeyPair struct {
	priv      *ecdsa.PrivateKey
	publicKey []byte
}

func FromPrivateKey(priv *ecdsa.PrivateKey) *KeyPair {
	return &KeyPair{priv: priv, publicKey: crypto.CompressPubkey(&priv.PublicKey)}
}

// PublicKey returns the compressed public key
func (k *KeyPair) PublicKey() []byte { return k.publicKey }

// PublicKeyHex is the form public keys take in protocol messages and storage
// keys.
func (k *KeyPair) PublicKeyHex() string { return hex.EncodeToString(k.publicKey) }

// Sign hashes b with SHA-256 and returns the r||s signature of the digest.
func (k *KeyPair) Sign(b []byte) ([codec.SignatureBytes]byte, error) {
	var sig [codec.SignatureBytes]byte
	digest := sha256.Sum256(b)
	rsv, err := crypto.Sign(digest[:], k.priv)
	if err != nil {
		return sig, err
	}
	copy(sig[:], rsv[:codec.SignatureBytes])
	return sig, nil
}

// Verify checks an r||s signature over the SHA-256 of b.
func Verify(publicKey []byte, b []byte, sig [codec.SignatureBytes]byte) bool {
	digest := sha256.Sum256(b)
	return crypto.VerifySignature(publicKey, digest[:], sig[:])
}

// ParsePublicKey decodes a hex public key as carried in messages.
func ParsePublicKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	if _, err := crypto.DecompressPubkey(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	return b, nil
}
