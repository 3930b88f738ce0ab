package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/tr1v3r/mpvsock/internal/codec"
)

var errNotDone = errors.New("mpv ipc request still pending")

// Pending is the handle of a submitted request. It is resolved exactly once,
// by whichever of the dispatch loop, Close or Cancel claims it first.
type Pending struct {
	id      int64
	command string
	s       *Session

	done chan struct{}
	resp codec.Response
	err  error
}

func newPending(s *Session, id int64, command string) *Pending {
	return &Pending{id: id, command: command, s: s, done: make(chan struct{})}
}

// ID returns the request_id the request was sent with.
func (p *Pending) ID() int64 { return p.id }

// Done is closed once the request has an outcome.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the raw response, or the termination error if the request
// never got one. It must only be called after Done is closed.
func (p *Pending) Result() (codec.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	default:
		return codec.Response{}, errNotDone
	}
}

// Wait blocks until the request resolves or ctx ends. A rejected command
// yields a *CommandError. If ctx ends first the request is abandoned and the
// error wraps both ErrCanceled and ctx.Err().
func (p *Pending) Wait(ctx context.Context) (codec.Value, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		if p.s.claim(p) {
			p.resolve(codec.Response{RequestID: p.id}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
		}
		<-p.done
	}
	return p.outcome()
}

// Cancel abandons the request. A response arriving later is discarded.
// It is a no-op once the request has resolved.
func (p *Pending) Cancel() {
	if p.s.claim(p) {
		p.resolve(codec.Response{RequestID: p.id}, ErrCanceled)
	}
}

func (p *Pending) outcome() (codec.Value, error) {
	if p.err != nil {
		return codec.Null(), p.err
	}
	if !p.resp.OK() {
		return p.resp.Data, &CommandError{RequestID: p.id, Command: p.command, Message: p.resp.Error}
	}
	return p.resp.Data, nil
}

// resolve must only be called by the goroutine that claimed p.
func (p *Pending) resolve(resp codec.Response, err error) {
	p.resp, p.err = resp, err
	close(p.done)
}
