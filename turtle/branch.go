// Package turtle holds signed turtle histories.
//
// A Branch is the current tip of one turtle's history. A Workspace stages new
// values over a Branch and commits them as a single signed layer. Every layer
// of a branch ends with a commit record whose signature covers the previous
// record, so the history forms a hash chain that can be verified layer by
// layer by anyone holding the turtle's public key.
package turtle

import (
	"fmt"
	"sync"

	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/notify"
)

type Branch struct {
	mu       sync.RWMutex
	key      string
	tip      *layer.Layer
	notifier notify.Notifier
}

// NewBranch creates a branch at tip (nil for an empty branch). Changes are
// published to notifier under key.
func NewBranch(key string, tip *layer.Layer, notifier notify.Notifier) *Branch {
	if notifier == nil {
		notifier = notify.NewRegistry()
	}
	return &Branch{key: key, tip: tip, notifier: notifier}
}

func (b *Branch) Key() string { return b.key }

func (b *Branch) Tip() *layer.Layer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tip
}

// Length is the number of layers on the branch
func (b *Branch) Length() uint64 {
	return b.Tip().Length()
}

// Set moves the branch to tip unconditionally.
func (b *Branch) Set(tip *layer.Layer) {
	b.mu.Lock()
	changed := b.tip != tip
	b.tip = tip
	b.mu.Unlock()
	if changed {
		b.notifier.NotifyChanged(b.key)
	}
}

// CompareAndSet moves the branch to tip only if it is still at old.
func (b *Branch) CompareAndSet(old, tip *layer.Layer) bool {
	if !b.swap(old, tip) {
		return false
	}
	if old != tip {
		b.notifyChanged()
	}
	return true
}

// swap is CompareAndSet without the change notification, the caller
// notifies once it is ready for observers to run.
func (b *Branch) swap(old, tip *layer.Layer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tip != old {
		return false
	}
	b.tip = tip
	return true
}

func (b *Branch) notifyChanged() {
	b.notifier.NotifyChanged(b.key)
}

// Append adds b as a new layer on the current tip
func (b *Branch) Append(bytes []byte) *layer.Layer {
	b.mu.Lock()
	b.tip = b.tip.Append(bytes)
	tip := b.tip
	b.mu.Unlock()
	b.notifier.NotifyChanged(b.key)
	return tip
}

// Truncate discards every layer at index length and beyond.
func (b *Branch) Truncate(length uint64) error {
	b.mu.Lock()
	cur := b.tip.Length()
	if length > cur {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", ErrLengthRange, length, cur)
	}
	if length == cur {
		b.mu.Unlock()
		return nil
	}
	if length == 0 {
		b.tip = nil
	} else {
		tip, err := b.tip.AncestorAtIndex(length - 1)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		b.tip = tip
	}
	b.mu.Unlock()
	b.notifier.NotifyChanged(b.key)
	return nil
}

// ExportLayers returns the bytes of every layer, root first
func (b *Branch) ExportLayers() [][]byte {
	return b.Tip().ExportLayers()
}

// OnChange calls fn after every change to the tip.
func (b *Branch) OnChange(fn func()) func() {
	return b.notifier.OnChange(b.key, fn)
}
