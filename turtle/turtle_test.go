package turtle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/turtle"
	"github.com/forestrie/go-turtle/turtletesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_chain(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_chain"})
	branch := tc.NewBranch("notes")
	w := tc.NewWorkspace("notes", branch)

	_, err := w.LastCommit()
	assert.True(t, errors.Is(err, turtle.ErrNoCommits))

	tc.CommitN(w, "value", 5)
	assert.Equal(t, uint64(5), branch.Length())

	require.NoError(t, turtle.VerifyChain(w.PublicKey(), branch.Tip()))

	got, err := w.LookupCommit("value")
	require.NoError(t, err)
	assert.Equal(t, "value 4", got)

	msg, err := w.LookupCommit("message")
	require.NoError(t, err)
	assert.Equal(t, "commit value 4", msg)

	name, err := w.LookupCommit("name")
	require.NoError(t, err)
	assert.Equal(t, "notes", name)

	c, err := w.LookupCommit()
	require.NoError(t, err)
	_, ok := c.(codec.Commit)
	assert.True(t, ok)

	other := tc.Keys("other")
	assert.Error(t, turtle.VerifyChain(other.PublicKey(), branch.Tip()))
}

func TestVerifyChain_anyAlteredByte(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestVerifyChain_altered"})
	branch := tc.NewBranch("notes")
	w := tc.NewWorkspace("notes", branch)
	tc.CommitN(w, "v", 2)
	layers := branch.ExportLayers()
	require.NoError(t, turtle.VerifyChain(w.PublicKey(), layer.Import(layers)))

	for k := range layers {
		for i := range layers[k] {
			tampered := make([][]byte, len(layers))
			copy(tampered, layers)
			tampered[k] = append([]byte{}, layers[k]...)
			tampered[k][i] ^= 0x01
			assert.Errorf(t, turtle.VerifyChain(w.PublicKey(), layer.Import(tampered)), "layer %d byte %d", k, i)
		}
	}
}

func TestCommit_stagedValuesIncluded(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_staged"})
	branch := tc.NewBranch("notes")
	w := tc.NewWorkspace("notes", branch)

	staged, err := w.Upsert(map[string]any{"draft": true})
	require.NoError(t, err)
	_, err = w.Commit(tc.Context(), codec.Ref(staged), "with staged")
	require.NoError(t, err)

	// one layer holds the staged values, the body and the record
	assert.Equal(t, uint64(1), branch.Length())
	got, err := w.LookupCommit("value", "draft")
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestCommit_keepsValuesStagedDuringPublish(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_stagedDuringPublish"})
	branch := tc.NewBranch("notes")
	w := tc.NewWorkspace("notes", branch)

	// an observer of the branch stages a value while the commit publishes
	var once sync.Once
	var late uint64
	var lateErr error
	cancel := branch.OnChange(func() {
		once.Do(func() { late, lateErr = w.Upsert(map[string]any{"late": "arrival"}) })
	})
	defer cancel()

	_, err := w.Commit(tc.Context(), "first", "first")
	require.NoError(t, err)
	require.NoError(t, lateErr)

	assert.Less(t, late, w.Dictionary().End())
	got, err := w.Dictionary().Lookup(late)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"late": "arrival"}, got)

	_, err = w.Commit(tc.Context(), codec.Ref(late), "second")
	require.NoError(t, err)
	v, err := w.LookupCommit("value", "late")
	require.NoError(t, err)
	assert.Equal(t, "arrival", v)
	require.NoError(t, turtle.VerifyChain(w.PublicKey(), branch.Tip()))
}

func TestCommit_fastForwardRequired(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_ff"})
	branch := tc.NewBranch("notes")
	a := tc.NewWorkspace("notes", branch)
	b := tc.NewWorkspace("notes", branch)

	_, err := a.Commit(tc.Context(), "from a", "a")
	require.NoError(t, err)

	_, err = b.Commit(tc.Context(), "from b", "b")
	assert.True(t, errors.Is(err, turtle.ErrFastForwardRequired))

	require.NoError(t, b.FastForward())
	_, err = b.Commit(tc.Context(), "from b", "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), branch.Length())
	require.NoError(t, turtle.VerifyChain(b.PublicKey(), branch.Tip()))

	// a now lags and has staged a value
	_, err = a.Upsert("pending")
	require.NoError(t, err)
	assert.True(t, errors.Is(a.FastForward(), turtle.ErrUncommitted))
	require.NoError(t, a.Discard())
	require.NoError(t, a.FastForward())
}

func TestCommit_fifo(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_fifo"})
	branch := tc.NewBranch("notes")
	w := tc.NewWorkspace("notes", branch)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var order []float64
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Commit(tc.Context(), float64(i), "concurrent")
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, float64(i))
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(n), branch.Length())
	assert.Len(t, order, n)
	require.NoError(t, turtle.VerifyChain(w.PublicKey(), branch.Tip()))
}

func TestCommit_cancelledWhileQueued(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_cancel"})
	branch := tc.NewBranch("notes")
	w := tc.NewWorkspace("notes", branch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Commit(ctx, "never", "cancelled")
	if err != nil {
		assert.True(t, errors.Is(err, context.Canceled))
	}
	_, err = w.Commit(tc.Context(), "after", "after")
	require.NoError(t, err)
}

func TestBranch(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestBranch"})
	branch := tc.NewBranch("notes")
	changes := 0
	cancel := branch.OnChange(func() { changes++ })
	defer cancel()

	first := branch.Append([]byte{0})
	branch.Append([]byte{0})
	branch.Append([]byte{0})
	assert.Equal(t, 3, changes)
	assert.Equal(t, uint64(3), branch.Length())

	require.NoError(t, branch.Truncate(1))
	assert.Same(t, first, branch.Tip())
	assert.Equal(t, 4, changes)

	assert.True(t, errors.Is(branch.Truncate(5), turtle.ErrLengthRange))

	assert.False(t, branch.CompareAndSet(nil, first))
	assert.True(t, branch.CompareAndSet(first, nil))
	assert.Equal(t, uint64(0), branch.Length())

	branch.Set(layer.Import([][]byte{{0}, {0}}))
	assert.Len(t, branch.ExportLayers(), 2)
}

func TestCommitRecord_notCommit(t *testing.T) {
	_, err := turtle.CommitRecord(layer.New([]byte{0}))
	assert.True(t, errors.Is(err, turtle.ErrNotCommit))

	record, err := turtle.CommitRecord(nil)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestCommit_timestamp(t *testing.T) {
	tc := turtletesting.NewTestContext(t, turtletesting.TestConfig{TestLabelPrefix: "TestCommit_ts"})
	w := tc.NewWorkspace("notes", tc.NewBranch("notes"))
	before := time.Now().UTC().Truncate(time.Millisecond)
	_, err := w.Commit(tc.Context(), "x", "x")
	require.NoError(t, err)
	ts, err := w.LookupCommit("ts")
	require.NoError(t, err)
	assert.False(t, ts.(time.Time).Before(before))
}
