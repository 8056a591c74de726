package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/dictionary"
	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/transport"
	"github.com/forestrie/go-turtle/turtle"
	"github.com/forestrie/go-turtle/turtletesting"
)

const (
	eventually = 5 * time.Second
	tick       = 10 * time.Millisecond
)

type pair struct {
	trusted, untrusted *Updater
	cancel             func()
}

// connectPair runs a trusted and an untrusted updater over an in memory pipe
// until the test ends.
func connectPair(t *testing.T, tc *turtletesting.TestContext, publicKey []byte, tb, nb *turtle.Branch) pair {
	a, b := transport.Pipe()
	p := pair{
		trusted:   New(Config{Name: "notes", PublicKey: publicKey, Trusted: true}, tc.Log, tb, a),
		untrusted: New(Config{Name: "notes", PublicKey: publicKey}, tc.Log, nb, b),
	}
	ctx, cancel := context.WithCancel(tc.Context())
	var g errgroup.Group
	g.Go(func() error { return Connect(ctx, p.trusted, a) })
	g.Go(func() error { return Connect(ctx, p.untrusted, b) })
	p.cancel = func() {
		cancel()
		_ = g.Wait()
	}
	t.Cleanup(p.cancel)
	return p
}

func newBranch(key string, tip *layer.Layer) *turtle.Branch {
	return turtle.NewBranch(key, tip, nil)
}

func settle(t *testing.T, tc *turtletesting.TestContext, us ...*Updater) {
	for _, u := range us {
		require.NoError(t, u.Settle(tc.Context()))
	}
}

func TestUpdater_endToEnd(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_endToEnd"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	nb := newBranch(keys.PublicKeyHex(), nil)
	w := tc.NewWorkspace("notes", tb)
	tc.CommitN(w, "before", 3)

	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, tb.ExportLayers(), nb.ExportLayers())

	tc.CommitN(w, "after", 2)
	assert.Eventually(t, func() bool { return nb.Length() == 5 }, eventually, tick)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, tb.ExportLayers(), nb.ExportLayers())
	require.NoError(t, turtle.VerifyChain(keys.PublicKey(), nb.Tip()))

	got, err := dictionary.New(nb.Tip())
	require.NoError(t, err)
	commit, err := turtle.CommitAddress(got.Tip())
	require.NoError(t, err)
	v, err := got.LookupPath(commit, "value")
	require.NoError(t, err)
	assert.Equal(t, "after 1", v)
}

func TestUpdater_endToEndObjects(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_endToEndObjects"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	nb := newBranch(keys.PublicKeyHex(), nil)
	w := tc.NewWorkspace("notes", tb)
	_, err := w.Commit(tc.Context(), map[string]any{"a": 1}, "add a")
	require.NoError(t, err)
	_, err = w.Commit(tc.Context(), map[string]any{"a": 1, "b": 2}, "add b")
	require.NoError(t, err)

	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	settle(t, &tc, p.untrusted, p.trusted)
	require.Equal(t, uint64(2), nb.Length())

	w2 := tc.NewWorkspace("notes", nb)
	v, err := w2.LookupCommit("value")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, v)
	msg, err := w2.LookupCommit("message")
	require.NoError(t, err)
	assert.Equal(t, "add b", msg)

	// a commit made on the replica is accepted by the trusted side
	_, err = w2.Commit(tc.Context(), map[string]any{"a": 1, "b": 2, "c": 3}, "add c")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return tb.Length() == 3 }, eventually, tick)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, nb.ExportLayers(), tb.ExportLayers())
	require.NoError(t, w.FastForward())
	v, err = w.LookupCommit("value", "c")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestUpdater_untrustedSuppliesSignedLayers(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_untrustedSupplies"})
	keys := tc.Keys("notes")
	source := newBranch(keys.PublicKeyHex(), nil)
	tc.CommitN(tc.NewWorkspace("notes", source), "v", 4)

	tb := newBranch(keys.PublicKeyHex(), nil)
	nb := newBranch(keys.PublicKeyHex(), layer.Import(source.ExportLayers()))

	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	settle(t, &tc, p.trusted, p.untrusted)
	assert.Equal(t, source.ExportLayers(), tb.ExportLayers())
}

func TestUpdater_conflictTrustedWins(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_conflict"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	tw := tc.NewWorkspace("notes", tb)
	tc.CommitN(tw, "shared", 2)

	nb := newBranch(keys.PublicKeyHex(), tb.Tip())
	nw := tc.NewWorkspace("notes", nb)

	// both sides diverge at index 2
	_, err := tw.Commit(tc.Context(), "trusted", "t")
	require.NoError(t, err)
	_, err = nw.Commit(tc.Context(), "untrusted", "n")
	require.NoError(t, err)
	_, err = nw.Commit(tc.Context(), "untrusted again", "n")
	require.NoError(t, err)

	want := tb.ExportLayers()
	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	assert.Eventually(t, func() bool {
		got := nb.ExportLayers()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if string(got[i]) != string(want[i]) {
				return false
			}
		}
		return true
	}, eventually, tick)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, want, tb.ExportLayers(), "the trusted branch is never rewritten")
}

func TestUpdater_rejectsForeignSignatures(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_rejects"})
	keys := tc.Keys("notes")
	forged := newBranch("forged", nil)
	tc.CommitN(tc.NewWorkspace("mallory", forged), "forged", 1)

	tb := newBranch(keys.PublicKeyHex(), nil)
	nb := newBranch(keys.PublicKeyHex(), forged.Tip())
	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)

	// the forged layer is refused and the untrusted side rolls back
	assert.Eventually(t, func() bool { return nb.Length() == 0 }, eventually, tick)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, uint64(0), tb.Length())
}

func TestUpdater_untrustedRollsBackUnsignedAppend(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_rollsBack"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	w := tc.NewWorkspace("notes", tb)
	tc.CommitN(w, "shared", 2)

	nb := newBranch(keys.PublicKeyHex(), layer.Import(tb.ExportLayers()))
	nb.Append([]byte{1, 2, 3, 4, 5})

	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	assert.Eventually(t, func() bool { return nb.Length() == 2 }, eventually, tick)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, tb.ExportLayers(), nb.ExportLayers())

	// and keeps following the trusted history
	tc.CommitN(w, "after", 1)
	assert.Eventually(t, func() bool { return nb.Length() == 3 }, eventually, tick)
	settle(t, &tc, p.untrusted, p.trusted)
	assert.Equal(t, tb.ExportLayers(), nb.ExportLayers())
	require.NoError(t, turtle.VerifyChain(keys.PublicKey(), nb.Tip()))
}

func TestUpdater_trustedNeverRollsBack(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_trustedKeeps"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	tc.CommitN(tc.NewWorkspace("notes", tb), "shared", 2)
	nb := newBranch(keys.PublicKeyHex(), layer.Import(tb.ExportLayers()))
	tb.Append([]byte{1, 2, 3, 4, 5})
	want := tb.ExportLayers()

	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	settle(t, &tc, p.trusted)
	assert.Never(t, func() bool { return tb.Length() != 3 || nb.Length() != 2 }, 200*time.Millisecond, tick)
	assert.Equal(t, want, tb.ExportLayers())
}

// gateSender blocks every Send until released
type gateSender struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (s *gateSender) Send(ctx context.Context, frame []byte) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return nil
}

func (s *gateSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func TestUpdater_stopWaitsForSend(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_stopWaits"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	w := tc.NewWorkspace("notes", tb)
	tc.CommitN(w, "v", 1)

	s := &gateSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	u := New(Config{Name: "notes", PublicKey: keys.PublicKey(), Trusted: true}, tc.Log, tb, s)
	done := make(chan error, 1)
	go func() { done <- u.Run(tc.Context()) }()
	<-s.entered

	stopped := make(chan struct{})
	go func() {
		u.Stop()
		close(stopped)
	}()
	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, tick, "Stop returned while a frame was being sent")

	close(s.release)
	<-stopped
	assert.Equal(t, 1, s.count())
	tc.CommitN(w, "more", 2)
	assert.Never(t, func() bool { return s.count() > 1 }, 200*time.Millisecond, tick)
	assert.True(t, errors.Is(<-done, ErrStopped))
}

func TestUpdater_stop(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_stop"})
	keys := tc.Keys("notes")
	tb := newBranch(keys.PublicKeyHex(), nil)
	nb := newBranch(keys.PublicKeyHex(), nil)
	w := tc.NewWorkspace("notes", tb)
	tc.CommitN(w, "v", 1)

	p := connectPair(t, &tc, keys.PublicKey(), tb, nb)
	settle(t, &tc, p.untrusted, p.trusted)
	require.Equal(t, uint64(1), nb.Length())

	p.trusted.Stop()
	assert.True(t, errors.Is(p.trusted.Settle(tc.Context()), ErrStopped))
	tc.CommitN(w, "more", 2)
	assert.Never(t, func() bool { return nb.Length() > 1 }, 200*time.Millisecond, tick)
	assert.Equal(t, uint64(3), tb.Length())
}

func TestUpdater_invalidFrame(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestUpdater_invalidFrame"})
	a, _ := transport.Pipe()
	u := New(Config{Name: "notes"}, tc.Log, newBranch("k", nil), a)

	err := u.Receive([]byte{0xfe})
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	d, err := dictionary.New(nil)
	require.NoError(t, err)
	_, err = d.Upsert("not a message")
	require.NoError(t, err)
	err = u.Receive(d.Tip().ExportLayers()[len(d.Tip().ExportLayers())-1])
	assert.Error(t, err)
}

func TestHave_roundTrip(t *testing.T) {
	tests := []struct {
		name string
		have have
	}{
		{"empty", have{length: 0, addresses: map[uint64]uint64{}}},
		{"dense", have{length: 2, addresses: map[uint64]uint64{0: 5, 1: 9}}},
		{"suffix", have{length: 5, addresses: map[uint64]uint64{3: 5, 4: 9}}},
		{"confirmed", have{length: 5, addresses: map[uint64]uint64{}}},
		{"rejected", have{length: 2, addresses: map[uint64]uint64{}, rejected: true, reject: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := dictionary.New(nil)
			require.NoError(t, err)
			// make the referenced addresses exist
			for range 16 {
				_, err := d.Upsert(codec.Opaque{0})
				require.NoError(t, err)
			}
			tt.have.ts = time.UnixMilli(1700000000000).UTC()
			_, err = d.Upsert(tt.have.value())
			require.NoError(t, err)

			got, err := readHave(d.Tip())
			require.NoError(t, err)
			assert.True(t, tt.have.equal(got))
			assert.Equal(t, tt.have.ts, got.ts)
			assert.Equal(t, tt.have.reject, got.reject)
			assert.Equal(t, tt.have.start(), got.start())
		})
	}
}

func TestReadHave_invalid(t *testing.T) {
	addresses := codec.SparseArray{Length: 1, Elements: map[int]any{}}
	tests := []struct {
		name string
		msg  map[string]any
	}{
		{"no ts", map[string]any{fieldAddresses: addresses}},
		{"ts not a date", map[string]any{fieldAddresses: addresses, fieldTS: "yesterday"}},
		{"reject beyond length", map[string]any{fieldAddresses: addresses, fieldTS: time.UnixMilli(1).UTC(), fieldReject: 2.0}},
		{"fractional reject", map[string]any{fieldAddresses: addresses, fieldTS: time.UnixMilli(1).UTC(), fieldReject: 0.5}},
		{"no addresses", map[string]any{fieldTS: time.UnixMilli(1).UTC()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := dictionary.New(nil)
			require.NoError(t, err)
			_, err = d.Upsert(tt.msg)
			require.NoError(t, err)
			_, err = readHave(d.Tip())
			assert.True(t, errors.Is(err, ErrInvalidMessage))
		})
	}
}
