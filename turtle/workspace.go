package turtle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/dictionary"
	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/signer"
)

type WorkspaceConfig struct {
	// Name is the turtle name recorded in every commit body
	Name string
	// Username is recorded in every commit body
	Username string
}

// Workspace stages values over a Branch. Values upserted into the workspace
// dictionary are private until Commit signs them onto the branch.
type Workspace struct {
	Cfg    WorkspaceConfig
	Log    logger.Logger
	keys   *signer.KeyPair
	branch *Branch
	dict   *dictionary.Dictionary

	// tail is closed when the most recently queued commit finishes. Each
	// commit waits on its predecessor's channel, so commits run in the
	// order they were requested.
	mu   sync.Mutex
	tail chan struct{}

	// stage serialises Upsert with the part of a commit that squashes the
	// staged layers and moves the dictionary onto the committed tip.
	stage sync.Mutex

	now func() time.Time
}

func NewWorkspace(cfg WorkspaceConfig, log logger.Logger, keys *signer.KeyPair, branch *Branch) (*Workspace, error) {
	dict, err := dictionary.New(branch.Tip())
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	close(done)
	return &Workspace{
		Cfg:    cfg,
		Log:    log,
		keys:   keys,
		branch: branch,
		dict:   dict,
		tail:   done,
		now:    time.Now,
	}, nil
}

func (w *Workspace) Branch() *Branch { return w.branch }

func (w *Workspace) Dictionary() *dictionary.Dictionary { return w.dict }

func (w *Workspace) PublicKey() []byte { return w.keys.PublicKey() }

// Upsert stages a value in the workspace. Values staged while a commit is in
// progress are kept for the next commit.
func (w *Workspace) Upsert(v any) (uint64, error) {
	w.stage.Lock()
	defer w.stage.Unlock()
	return w.dict.Upsert(v)
}

// ticket queues the caller behind every earlier commit. release must be
// called exactly once.
func (w *Workspace) ticket(ctx context.Context) (release func(), err error) {
	w.mu.Lock()
	prev := w.tail
	mine := make(chan struct{})
	w.tail = mine
	w.mu.Unlock()

	select {
	case <-prev:
		return func() { close(mine) }, nil
	case <-ctx.Done():
		// keep the queue ordered for the commits behind us
		go func() {
			<-prev
			close(mine)
		}()
		return nil, ctx.Err()
	}
}

// Commit signs value, and every value staged since the branch tip, onto the
// branch as one layer. It returns the address of the commit record.
func (w *Workspace) Commit(ctx context.Context, value any, message string) (uint64, error) {
	release, err := w.ticket(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	w.stage.Lock()
	address, committed, err := w.commitStaged(value, message)
	w.stage.Unlock()
	if committed != nil {
		// observers run after the dictionary is on the committed tip, so
		// values they stage land on top of it
		w.branch.notifyChanged()
	}
	if err != nil {
		return 0, err
	}
	w.Log.Infof("turtle %s: commit %d at %d: %s", w.Cfg.Name, committed.Index(), address, message)
	return address, nil
}

// commitStaged builds, signs and publishes the commit layer. w.stage must be
// held. The committed layer is returned whenever the branch moved, even on
// error.
func (w *Workspace) commitStaged(value any, message string) (uint64, *layer.Layer, error) {
	base := w.branch.Tip()
	if !w.dict.Tip().IsAncestor(base) {
		return 0, nil, fmt.Errorf("%w: branch length %d", ErrFastForwardRequired, base.Length())
	}
	prev, err := CommitRecord(base)
	if err != nil {
		return 0, nil, err
	}

	valueAddress, err := w.dict.Upsert(value)
	if err != nil {
		return 0, nil, err
	}
	bodyAddress, err := w.dict.Upsert(map[string]any{
		"message":  message,
		"name":     w.Cfg.Name,
		"username": w.Cfg.Username,
		"ts":       w.now().UTC().Truncate(time.Millisecond),
		"value":    codec.Ref(valueAddress),
	})
	if err != nil {
		return 0, nil, err
	}

	staged, err := stagedBytes(base, w.dict.Tip())
	if err != nil {
		return 0, nil, err
	}

	var unsigned [codec.SignatureBytes]byte
	record, err := codec.CommitRecord(bodyAddress, unsigned)
	if err != nil {
		return 0, nil, err
	}
	msg, err := signer.CommitMessage(append(append([]byte{}, staged...), record...), prev)
	if err != nil {
		return 0, nil, err
	}
	sig, err := w.keys.Sign(msg)
	if err != nil {
		return 0, nil, err
	}
	if record, err = codec.CommitRecord(bodyAddress, sig); err != nil {
		return 0, nil, err
	}

	committed := base.Append(append(staged, record...))
	if !w.branch.swap(base, committed) {
		return 0, nil, fmt.Errorf("%w: the branch moved during the commit", ErrFastForwardRequired)
	}
	if err := w.dict.SetTip(committed); err != nil {
		return 0, committed, err
	}
	return committed.End() - 1, committed, nil
}

// stagedBytes returns every byte of the history at tip beyond base, as one
// buffer the caller owns.
func stagedBytes(base, tip *layer.Layer) ([]byte, error) {
	if tip.Length() == base.Length() {
		return nil, nil
	}
	squashed, err := tip.Squash(base.Length())
	if err != nil {
		return nil, err
	}
	return append([]byte{}, squashed.Bytes()...), nil
}

// FastForward moves the workspace onto the branch tip. It fails with
// ErrUncommitted if the workspace holds values the branch does not.
func (w *Workspace) FastForward() error {
	w.stage.Lock()
	defer w.stage.Unlock()
	tip := w.branch.Tip()
	if !tip.IsAncestor(w.dict.Tip()) {
		return ErrUncommitted
	}
	return w.dict.SetTip(tip)
}

// Discard drops every uncommitted value and moves onto the branch tip.
func (w *Workspace) Discard() error {
	w.stage.Lock()
	defer w.stage.Unlock()
	return w.dict.SetTip(w.branch.Tip())
}

// LastCommit returns the address of the commit at the branch tip
func (w *Workspace) LastCommit() (uint64, error) {
	return CommitAddress(w.branch.Tip())
}

// LookupCommit follows a path of keys from the commit at the branch tip. No
// keys returns the commit itself. The body fields are message, name,
// username, ts and value.
func (w *Workspace) LookupCommit(keys ...any) (any, error) {
	tip := w.branch.Tip()
	address, err := CommitAddress(tip)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return codec.Decode(tip, address)
	}
	a, err := dictionary.Resolve(tip, address, keys...)
	if err != nil {
		return nil, err
	}
	return codec.Decode(tip, a)
}
