package updater

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/forestrie/go-turtle/transport"
)

// Connect runs u over a dedicated connection until the context is done, the
// connection fails or u is stopped. u must send its frames to conn. A stop
// returns nil.
func Connect(ctx context.Context, u *Updater, conn transport.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return u.Run(ctx)
	})
	g.Go(func() error {
		for {
			frame, err := conn.Receive(ctx)
			if err != nil {
				return err
			}
			if err := u.Receive(frame); errors.Is(err, ErrStopped) {
				return err
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}
