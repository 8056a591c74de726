package transport

import (
	"context"
)

type pipeEnd struct {
	in  *queue
	out *queue
}

// Pipe returns the two ends of an in memory connection. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	ab, ba := newQueue(), newQueue()
	return &pipeEnd{in: ba, out: ab}, &pipeEnd{in: ab, out: ba}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.out.push(append([]byte{}, frame...))
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	return p.in.pop(ctx)
}

func (p *pipeEnd) Close() error {
	p.in.close(nil)
	p.out.close(nil)
	return nil
}
