// Package updater synchronises a turtle branch with a remote peer.
//
// Each side keeps an outgoing log, a private dictionary whose only reader is
// the peer. To advertise its branch a side upserts the bytes of each branch
// layer the peer may lack into its outgoing log, then a "have" message
// {addresses, ts}, and sends every byte appended to the outgoing log since
// the previous frame. The peer appends each frame to a mirror of that log,
// so addresses in messages resolve against the mirror. Because the outgoing
// log deduplicates, layer bytes already sent are never sent twice.
//
// On receiving a message a side compares the advertised layers with its own,
// appends the next layer if it is correctly signed and chains on its tip,
// and on a mismatch either ignores the peer (the trusted side) or truncates
// its own branch to the mismatch (the untrusted side) so that the trusted
// history wins. A trusted side that refuses the peer's next layer names it
// as rejected in its message, and the untrusted side truncates its branch
// there.
package updater

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"

	"github.com/forestrie/go-turtle/dictionary"
	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/turtle"
)

// FrameSender delivers the updater's frames, in order, to the peer.
type FrameSender interface {
	Send(ctx context.Context, frame []byte) error
}

type Config struct {
	// Name is the turtle name, used in logs and multiplexer routing
	Name string
	// PublicKey verifies every layer appended from the peer
	PublicKey []byte
	// Trusted sides never discard their own history on a conflict
	Trusted bool
}

// match records that the peer's layer at remote address equals our layer
type match struct {
	remote uint64
	local  *layer.Layer
}

// sent caches the outgoing address of a branch layer's bytes
type sent struct {
	local   *layer.Layer
	address uint64
}

type Updater struct {
	Cfg     Config
	Log     logger.Logger
	Session string

	branch *turtle.Branch
	sender FrameSender

	// held while a frame is being sent, Stop waits for it
	sendMu sync.Mutex

	// shared with Receive and Settle
	mu       sync.Mutex
	mirror   *layer.Layer
	remote   have
	received bool
	updating bool
	pending  bool
	stopped  bool
	changed  chan struct{}
	kick     chan struct{}
	stop     chan struct{}

	// owned by the update loop
	matched  map[uint64]match
	outCache map[uint64]sent
	outgoing *dictionary.Dictionary
	last     have
	sentAny  bool
	lastTS   time.Time
	now      func() time.Time

	// rejected is set on a trusted side that refused the peer's layer at
	// index reject during the latest round
	rejected bool
	reject   uint64
	// appliedReject is the ts of the last trusted message whose reject was
	// acted on, so each message truncates at most once
	appliedReject time.Time
}

func New(cfg Config, log logger.Logger, branch *turtle.Branch, sender FrameSender) *Updater {
	outgoing, _ := dictionary.New(nil)
	return &Updater{
		Cfg:      cfg,
		Log:      log,
		Session:  uuid.NewString(),
		branch:   branch,
		sender:   sender,
		changed:  make(chan struct{}),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		matched:  map[uint64]match{},
		outCache: map[uint64]sent{},
		outgoing: outgoing,
		now:      time.Now,
	}
}

func (u *Updater) Branch() *turtle.Branch { return u.branch }

// broadcast wakes every Settle waiter. u.mu must be held.
func (u *Updater) broadcast() {
	close(u.changed)
	u.changed = make(chan struct{})
}

// Kick schedules an update round.
func (u *Updater) Kick() {
	u.mu.Lock()
	u.pending = true
	u.broadcast()
	u.mu.Unlock()
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

// Receive appends a frame from the peer to the mirror of its outgoing log
// and schedules an update. A frame that does not end with a valid message is
// dropped.
func (u *Updater) Receive(frame []byte) error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return ErrStopped
	}
	mirror := u.mirror.Append(frame)
	h, err := readHave(mirror)
	if err != nil {
		u.mu.Unlock()
		u.Log.Infof("updater %s %s: dropping frame: %v", u.Cfg.Name, u.Session, err)
		return err
	}
	u.mirror = mirror
	u.remote = h
	u.received = true
	u.mu.Unlock()
	u.Kick()
	return nil
}

// Stop ends the update loop. It waits for a frame being sent to finish, no
// frame is sent after Stop returns. Layers already appended stay on the
// branch.
func (u *Updater) Stop() {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return
	}
	u.stopped = true
	close(u.stop)
	u.broadcast()
}

// Settle blocks until a message has been received from the peer, no update
// is running or pending and the branch is at least as long as the peer's.
func (u *Updater) Settle(ctx context.Context) error {
	for {
		u.mu.Lock()
		if u.stopped {
			u.mu.Unlock()
			return ErrStopped
		}
		settled := u.received && !u.updating && !u.pending && u.branch.Length() >= u.remote.length
		changed := u.changed
		u.mu.Unlock()
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run runs update rounds whenever the branch changes or a frame arrives,
// until the context is done or the updater is stopped.
func (u *Updater) Run(ctx context.Context) error {
	cancel := u.branch.OnChange(u.Kick)
	defer cancel()
	u.Kick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stop:
			return ErrStopped
		case <-u.kick:
		}
		if err := u.update(ctx); err != nil {
			return err
		}
	}
}

func (u *Updater) update(ctx context.Context) error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return ErrStopped
	}
	u.updating = true
	u.pending = false
	remote, mirror, received := u.remote, u.mirror, u.received
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.updating = false
		u.broadcast()
		u.mu.Unlock()
	}()

	if received {
		u.reconcile(remote, mirror)
	}
	return u.advertise(ctx, remote, received)
}

// validMatch reports whether index i is known equal on both sides
func (u *Updater) validMatch(tip *layer.Layer, i uint64) (match, bool) {
	m, ok := u.matched[i]
	if !ok || i >= tip.Length() {
		return match{}, false
	}
	at, err := tip.AncestorAtIndex(i)
	if err != nil || at != m.local {
		return match{}, false
	}
	return m, true
}

func (u *Updater) forget(from uint64) {
	for i := range u.matched {
		if i >= from {
			delete(u.matched, i)
		}
	}
	for i := range u.outCache {
		if i >= from {
			delete(u.outCache, i)
		}
	}
}

// reconcile applies the peer's latest message to the branch. Indices are
// visited in ascending order and the round stops at the first index that
// cannot be resolved.
func (u *Updater) reconcile(remote have, mirror *layer.Layer) {
	for i := range u.matched {
		if i >= remote.length {
			delete(u.matched, i)
		}
	}
	u.rejected, u.reject = false, 0
	tip := u.branch.Tip()

	if !u.Cfg.Trusted && remote.rejected && !remote.ts.Equal(u.appliedReject) {
		u.appliedReject = remote.ts
		// the trusted peer holds nothing at reject and refused ours
		if remote.reject >= remote.length && remote.reject < tip.Length() {
			u.Log.Infof("updater %s %s: peer rejected index %d, truncating from %d",
				u.Cfg.Name, u.Session, remote.reject, tip.Length())
			u.forget(remote.reject)
			if err := u.branch.Truncate(remote.reject); err != nil {
				u.Log.Infof("updater %s %s: truncate: %v", u.Cfg.Name, u.Session, err)
			}
			return
		}
	}

	for _, i := range remote.sortedIndices() {
		address := remote.addresses[i]
		length := tip.Length()

		if i < length {
			if m, ok := u.validMatch(tip, i); ok && m.remote == address {
				continue
			}
			local, err := tip.AncestorAtIndex(i)
			if err != nil {
				return
			}
			theirs, err := layerBytes(mirror, address)
			if err != nil {
				u.Log.Infof("updater %s %s: index %d: %v", u.Cfg.Name, u.Session, i, err)
				return
			}
			if bytes.Equal(local.Bytes(), theirs) {
				u.matched[i] = match{remote: address, local: local}
				continue
			}
			u.forget(i)
			if u.Cfg.Trusted {
				u.Log.Infof("updater %s %s: peer conflicts at index %d, keeping ours", u.Cfg.Name, u.Session, i)
				return
			}
			u.Log.Infof("updater %s %s: conflict at index %d, truncating from %d", u.Cfg.Name, u.Session, i, length)
			if err := u.branch.Truncate(i); err != nil {
				u.Log.Infof("updater %s %s: truncate: %v", u.Cfg.Name, u.Session, err)
			}
			return
		}

		if i > length {
			// a gap, the peer believes we hold layers we do not
			return
		}

		theirs, err := layerBytes(mirror, address)
		if err != nil {
			u.Log.Infof("updater %s %s: index %d: %v", u.Cfg.Name, u.Session, i, err)
			return
		}
		if err := turtle.VerifyNext(u.Cfg.PublicKey, tip, theirs); err != nil {
			u.Log.Infof("updater %s %s: rejecting index %d: %v", u.Cfg.Name, u.Session, i, err)
			if u.Cfg.Trusted {
				u.rejected, u.reject = true, i
			}
			return
		}
		next := tip.Append(theirs)
		if !u.branch.CompareAndSet(tip, next) {
			// the branch moved underneath us, its change notification
			// schedules another round
			return
		}
		u.Log.Debugf("updater %s %s: appended index %d", u.Cfg.Name, u.Session, i)
		u.matched[i] = match{remote: address, local: next}
		tip = next
	}
}

// knownByPeer is the number of leading branch layers the peer holds
func (u *Updater) knownByPeer(tip *layer.Layer, remote have, received bool) uint64 {
	var known uint64
	for {
		if _, ok := u.validMatch(tip, known); !ok {
			break
		}
		known++
	}
	if received {
		known = max(known, min(remote.start(), tip.Length()))
	}
	return known
}

// advertise sends a have message if the vector differs from the last one
// sent. The first message is always sent.
func (u *Updater) advertise(ctx context.Context, remote have, received bool) error {
	tip := u.branch.Tip()
	length := tip.Length()
	h := have{length: length, addresses: map[uint64]uint64{}, rejected: u.rejected, reject: u.reject}

	frameStart := u.outgoing.Length()
	for i := u.knownByPeer(tip, remote, received); i < length; i++ {
		local, err := tip.AncestorAtIndex(i)
		if err != nil {
			return err
		}
		s, ok := u.outCache[i]
		if !ok || s.local != local {
			a, err := u.outgoing.Upsert(append([]byte{}, local.Bytes()...))
			if err != nil {
				return err
			}
			s = sent{local: local, address: a}
			u.outCache[i] = s
		}
		h.addresses[i] = s.address
	}
	if u.sentAny && h.equal(u.last) {
		return nil
	}

	// strictly increasing, so every message is a new value
	h.ts = u.now().UTC().Truncate(time.Millisecond)
	if !h.ts.After(u.lastTS) {
		h.ts = u.lastTS.Add(time.Millisecond)
	}
	if _, err := u.outgoing.Upsert(h.value()); err != nil {
		return err
	}
	frame, err := u.takeFrame(frameStart)
	if err != nil {
		return err
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()
	u.mu.Lock()
	stopped := u.stopped
	u.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if err := u.sender.Send(ctx, frame); err != nil {
		return fmt.Errorf("updater %s: send: %w", u.Cfg.Name, err)
	}
	u.Log.Debugf("updater %s %s: sent length %d with %d layers in %d bytes",
		u.Cfg.Name, u.Session, length, len(h.addresses), len(frame))
	u.last = h
	u.lastTS = h.ts
	u.sentAny = true
	return nil
}

// takeFrame squashes everything appended to the outgoing log since
// frameStart into one layer and returns its bytes.
func (u *Updater) takeFrame(frameStart uint64) ([]byte, error) {
	tip := u.outgoing.Tip()
	squashed, err := tip.Squash(frameStart)
	if err != nil {
		return nil, err
	}
	if err := u.outgoing.SetTip(squashed); err != nil {
		return nil, err
	}
	return squashed.Bytes(), nil
}
