package store

import (
	"context"
	"sync"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/turtle"
)

// Persister writes every change of a branch to a LevelStore. Only the layers
// after the common ancestor of the persisted and current tips are written.
type Persister struct {
	Log    logger.Logger
	store  *LevelStore
	branch *turtle.Branch

	mu        sync.Mutex
	persisted *layer.Layer
	kick      chan struct{}
}

func NewPersister(log logger.Logger, store *LevelStore, branch *turtle.Branch) *Persister {
	return &Persister{
		Log:    log,
		store:  store,
		branch: branch,
		kick:   make(chan struct{}, 1),
	}
}

// Persist saves the current tip of the branch.
func (p *Persister) Persist() (Head, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tip := p.branch.Tip()
	from := layer.FindCommonAncestor(p.persisted, tip).Length()
	h, err := p.store.Save(p.branch.Key(), tip.ExportLayers(), from)
	if err != nil {
		return Head{}, err
	}
	p.persisted = tip
	return h, nil
}

// Run persists the branch now and after every change until the context is
// done. The branch is persisted once more before Run returns.
func (p *Persister) Run(ctx context.Context) error {
	cancel := p.branch.OnChange(func() {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		if _, err := p.Persist(); err != nil {
			p.Log.Infof("persister %s: %v", p.branch.Key(), err)
			return err
		}
		select {
		case <-ctx.Done():
			if _, err := p.Persist(); err != nil {
				return err
			}
			return ctx.Err()
		case <-p.kick:
		}
	}
}
