// Package transport carries opaque frames between two updaters.
//
// A Conn delivers whole frames in the order they were sent. Updaters rebuild
// a mirror of the peer's outgoing log from consecutive frames, so a Conn that
// loses a frame must fail rather than skip it.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed        = errors.New("the connection is closed")
	ErrFrameTooLarge = errors.New("the frame exceeds the maximum frame size")
)

// Conn is a duplex frame connection.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until a frame arrives, the context is done or the
	// connection is closed.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// queue is an unbounded frame queue. Senders never block.
type queue struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.frames = append(q.frames, frame)
	q.signal()
	return nil
}

// close stops further pushes. Frames already queued are still delivered,
// then pop returns err (ErrClosed if nil).
func (q *queue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	if q.err == nil {
		q.err = ErrClosed
	}
	q.signal()
}

func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			if len(q.frames) > 0 || q.closed {
				q.signal()
			}
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			err := q.err
			q.signal()
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}
