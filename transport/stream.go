package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameBytes bounds the frames a StreamConn accepts
const DefaultMaxFrameBytes = 16 << 20

type StreamOption func(*StreamConn)

func WithMaxFrameBytes(n int) StreamOption {
	return func(c *StreamConn) { c.maxFrame = n }
}

// StreamConn frames a byte stream (a socket, a pipe) with a uvarint length
// prefix per frame.
type StreamConn struct {
	rwc      io.ReadWriteCloser
	maxFrame int

	wmu sync.Mutex
	in  *queue

	closeOnce sync.Once
}

// NewStreamConn starts reading frames from rwc. The connection owns rwc and
// closes it on Close.
func NewStreamConn(rwc io.ReadWriteCloser, opts ...StreamOption) *StreamConn {
	c := &StreamConn{rwc: rwc, maxFrame: DefaultMaxFrameBytes, in: newQueue()}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *StreamConn) readLoop() {
	r := bufio.NewReader(c.rwc)
	for {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			c.in.close(readErr(err))
			return
		}
		if n > uint64(c.maxFrame) {
			c.in.close(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.maxFrame))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			c.in.close(readErr(err))
			return
		}
		if err := c.in.push(frame); err != nil {
			return
		}
	}
}

func readErr(err error) error {
	if err == io.EOF {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func (c *StreamConn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) > c.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), c.maxFrame)
	}
	b := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(frame)), uint64(len(frame)))
	b = append(b, frame...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	return c.in.pop(ctx)
}

func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.in.close(nil)
		err = c.rwc.Close()
	})
	return err
}
