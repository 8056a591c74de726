package turtle

import (
	"fmt"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/signer"
)

// CommitRecord returns the commit record that ends the history at tip, the
// bytes the next commit must chain on. An empty history has no record and
// returns nil.
func CommitRecord(tip *layer.Layer) ([]byte, error) {
	if layer.End(tip) == 0 {
		return nil, nil
	}
	r, err := codec.Read(tip, tip.End()-1)
	if err != nil {
		return nil, err
	}
	if r.Version.Kind != codec.KindCommit {
		return nil, fmt.Errorf("%w: %s at %d", ErrNotCommit, r.Version, r.Address)
	}
	return r.Bytes(), nil
}

// CommitAddress returns the address of the commit ending the history.
func CommitAddress(tip *layer.Layer) (uint64, error) {
	if layer.End(tip) == 0 {
		return 0, ErrNoCommits
	}
	if _, err := CommitRecord(tip); err != nil {
		return 0, err
	}
	return tip.End() - 1, nil
}

// VerifyNext checks that layerBytes is a commit layer signed by publicKey
// which chains on the history ending at tip.
func VerifyNext(publicKey []byte, tip *layer.Layer, layerBytes []byte) error {
	prev, err := CommitRecord(tip)
	if err != nil {
		return err
	}
	return signer.VerifyCommit(publicKey, layerBytes, prev)
}

// VerifyChain checks every layer of the history ending at tip, root first.
func VerifyChain(publicKey []byte, tip *layer.Layer) error {
	var verified *layer.Layer
	for i, b := range tip.ExportLayers() {
		if err := VerifyNext(publicKey, verified, b); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		verified = verified.Append(b)
	}
	return nil
}
