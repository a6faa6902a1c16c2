package rpc

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a closed conn
var ErrClosed = errors.New("rpc: connection closed")

// pipeBuffer bounds the number of undelivered messages per direction
const pipeBuffer = 64

// Conn is an untyped, bidirectional message transport
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Receive() <-chan Message
	Done() <-chan struct{}
	Close() error
}

type pipeEnd struct {
	in   chan Message
	peer *pipeEnd
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: make(chan Message, pipeBuffer), done: done, once: once}
	b := &pipeEnd{in: make(chan Message, pipeBuffer), done: done, once: once}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.peer.in <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive() <-chan Message { return p.in }

func (p *pipeEnd) Done() <-chan struct{} { return p.done }

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
