package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forestrie/go-turtle/codec"
	"github.com/forestrie/go-turtle/dictionary"
	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/signer"
	"github.com/forestrie/go-turtle/transport"
	"github.com/forestrie/go-turtle/turtle"
)

const (
	fieldAddress   = "address"
	fieldName      = "name"
	fieldPublicKey = "publicKey"
)

// BranchResolver supplies the branch for a turtle the peer advertises that
// the multiplexer has no updater for. Returning ErrNoBranch ignores the
// turtle.
type BranchResolver func(name string, publicKey []byte) (*turtle.Branch, Config, error)

// Multiplexer runs one Updater per turtle over a single connection. Each
// updater frame is stored as an opaque blob in a shared outgoing log and
// addressed by a small envelope naming the turtle.
type Multiplexer struct {
	Log     logger.Logger
	Session string

	conn    transport.Conn
	resolve BranchResolver

	mu       sync.Mutex
	updaters map[string]*Updater
	group    *errgroup.Group
	groupCtx context.Context

	sendMu   sync.Mutex
	outgoing *dictionary.Dictionary

	// owned by the receive loop
	mirror *layer.Layer
}

func NewMultiplexer(log logger.Logger, conn transport.Conn, resolve BranchResolver) *Multiplexer {
	outgoing, _ := dictionary.New(nil)
	return &Multiplexer{
		Log:      log,
		Session:  uuid.NewString(),
		conn:     conn,
		resolve:  resolve,
		updaters: map[string]*Updater{},
		outgoing: outgoing,
	}
}

func routeKey(publicKey []byte, name string) string {
	if len(publicKey) > 0 {
		return fmt.Sprintf("%x", publicKey)
	}
	return "name:" + name
}

// Add registers a branch to synchronise. If the multiplexer is running the
// updater starts immediately.
func (m *Multiplexer) Add(cfg Config, branch *turtle.Branch) *Updater {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(cfg, branch)
}

func (m *Multiplexer) addLocked(cfg Config, branch *turtle.Branch) *Updater {
	key := routeKey(cfg.PublicKey, cfg.Name)
	if u, ok := m.updaters[key]; ok {
		return u
	}
	u := New(cfg, m.Log, branch, nil)
	u.sender = &envelopeSender{m: m, u: u}
	m.updaters[key] = u
	if m.group != nil {
		ctx := m.groupCtx
		m.group.Go(func() error { return ignoreStopped(u.Run(ctx)) })
	}
	return u
}

// Updater returns the updater for a public key, or nil
func (m *Multiplexer) Updater(publicKey []byte) *Updater {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updaters[routeKey(publicKey, "")]
}

func ignoreStopped(err error) error {
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Run runs every updater and routes incoming frames until the context is
// done or the connection fails.
func (m *Multiplexer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	m.group = g
	m.groupCtx = ctx
	for _, u := range m.updaters {
		g.Go(func() error { return ignoreStopped(u.Run(ctx)) })
	}
	m.mu.Unlock()

	g.Go(func() error {
		for {
			frame, err := m.conn.Receive(ctx)
			if err != nil {
				return err
			}
			m.route(frame)
		}
	})
	return g.Wait()
}

// Stop stops every updater
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.updaters {
		u.Stop()
	}
}

// route delivers a frame to the updater the envelope names, creating one
// through the resolver if needed. Frames that cannot be routed are dropped.
func (m *Multiplexer) route(frame []byte) {
	mirror := m.mirror.Append(frame)
	env, err := readEnvelope(mirror)
	if err != nil {
		m.Log.Infof("multiplexer %s: dropping frame: %v", m.Session, err)
		return
	}
	m.mirror = mirror

	u, err := m.updaterFor(env.name, env.publicKey)
	if err != nil {
		m.Log.Infof("multiplexer %s: no updater for %s: %v", m.Session, env.name, err)
		return
	}
	if err := u.Receive(env.frame); err != nil && !errors.Is(err, ErrStopped) {
		m.Log.Debugf("multiplexer %s: %s: %v", m.Session, env.name, err)
	}
}

func (m *Multiplexer) updaterFor(name string, publicKey []byte) (*Updater, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.updaters[routeKey(publicKey, name)]; ok {
		return u, nil
	}
	if m.resolve == nil {
		return nil, ErrNoBranch
	}
	branch, cfg, err := m.resolve(name, publicKey)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, ErrNoBranch
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	if len(cfg.PublicKey) == 0 {
		cfg.PublicKey = publicKey
	}
	m.Log.Infof("multiplexer %s: starting updater for %s", m.Session, name)
	return m.addLocked(cfg, branch), nil
}

// envelopeSender wraps one updater's frames for the shared connection
type envelopeSender struct {
	m *Multiplexer
	u *Updater
}

func (s *envelopeSender) Send(ctx context.Context, frame []byte) error {
	m := s.m
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	frameStart := m.outgoing.Length()
	blob, err := m.outgoing.Upsert(codec.Opaque(frame))
	if err != nil {
		return err
	}
	env := map[string]any{
		fieldAddress: codec.Ref(blob),
		fieldName:    s.u.Cfg.Name,
	}
	if len(s.u.Cfg.PublicKey) > 0 {
		env[fieldPublicKey] = fmt.Sprintf("%x", s.u.Cfg.PublicKey)
	}
	if _, err := m.outgoing.Upsert(env); err != nil {
		return err
	}
	squashed, err := m.outgoing.Tip().Squash(frameStart)
	if err != nil {
		return err
	}
	if err := m.outgoing.SetTip(squashed); err != nil {
		return err
	}
	return m.conn.Send(ctx, squashed.Bytes())
}

type envelope struct {
	name      string
	publicKey []byte
	frame     []byte
}

func readEnvelope(mirror *layer.Layer) (envelope, error) {
	end := layer.End(mirror)
	if end == 0 {
		return envelope{}, fmt.Errorf("%w: empty log", ErrInvalidMessage)
	}
	v, err := codec.Decode(mirror, end-1)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg, ok := v.(map[string]any)
	if !ok {
		return envelope{}, fmt.Errorf("%w: envelope is %T", ErrInvalidMessage, v)
	}
	var env envelope
	env.name, _ = msg[fieldName].(string)
	if pk, ok := msg[fieldPublicKey].(string); ok {
		if env.publicKey, err = signer.ParsePublicKey(pk); err != nil {
			return envelope{}, err
		}
	}
	blob, ok := msg[fieldAddress].(codec.Opaque)
	if !ok {
		return envelope{}, fmt.Errorf("%w: envelope address is %T", ErrInvalidMessage, msg[fieldAddress])
	}
	env.frame = []byte(blob)
	return env, nil
}
