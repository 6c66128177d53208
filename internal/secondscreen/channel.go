package secondscreen

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned once either side has closed the channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is a bidirectional, ordered message pipe between the primary and
// one display.
type Channel interface {
	WriteMessage(ctx context.Context, data []byte) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Send encodes and writes m.
func Send(ctx context.Context, ch Channel, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return ch.WriteMessage(ctx, data)
}

// pipeEnd is one side of an in-process channel.
type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process channels. Closing either closes
// both.
func Pipe() (Channel, Channel) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
