package turtletesting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/stretchr/testify/require"

	"github.com/forestrie/go-turtle/notify"
	"github.com/forestrie/go-turtle/signer"
	"github.com/forestrie/go-turtle/turtle"
)

type TestContext struct {
	Log      logger.Logger
	Notifier *notify.Registry
	T        *testing.T
	Cfg      TestConfig
}

type TestConfig struct {
	TestLabelPrefix string
	// Username and Password seed every key pair the context derives. Defaults
	// are used when empty.
	Username string
	Password string
	// Timeout bounds the context returned by Context, defaults to 10s
	Timeout time.Duration
}

func NewTestContext(t *testing.T, cfg TestConfig) TestContext {
	if cfg.Username == "" {
		cfg.Username = "test-user"
	}
	if cfg.Password == "" {
		cfg.Password = "test-password"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := TestContext{
		T:        t,
		Cfg:      cfg,
		Notifier: notify.NewRegistry(),
	}
	logger.New("NOOP")
	c.Log = logger.Sugar.WithServiceName(cfg.TestLabelPrefix)
	return c
}

func (c *TestContext) GetLog() logger.Logger { return c.Log }

// Context returns a context cancelled at the end of the test or after the
// configured timeout.
func (c *TestContext) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), c.Cfg.Timeout)
	c.T.Cleanup(cancel)
	return ctx
}

func (c *TestContext) Signer() *signer.Signer {
	return signer.New(c.Cfg.Username, c.Cfg.Password)
}

// Keys derives the key pair for a turtle name.
func (c *TestContext) Keys(name string) *signer.KeyPair {
	keys, err := c.Signer().KeysFor(name)
	require.NoError(c.T, err)
	return keys
}

// NewBranch returns an empty branch keyed by the public key hex of name.
func (c *TestContext) NewBranch(name string) *turtle.Branch {
	return turtle.NewBranch(c.Keys(name).PublicKeyHex(), nil, c.Notifier)
}

// NewWorkspace returns a workspace committing to branch as name.
func (c *TestContext) NewWorkspace(name string, branch *turtle.Branch) *turtle.Workspace {
	w, err := turtle.NewWorkspace(
		turtle.WorkspaceConfig{Name: name, Username: c.Cfg.Username},
		c.Log, c.Keys(name), branch)
	require.NoError(c.T, err)
	return w
}

// CommitN makes n commits of the values "<prefix> 0" .. "<prefix> n-1".
func (c *TestContext) CommitN(w *turtle.Workspace, prefix string, n int) {
	for i := range n {
		v := fmt.Sprintf("%s %d", prefix, i)
		_, err := w.Commit(c.Context(), v, "commit "+v)
		require.NoError(c.T, err)
	}
}
