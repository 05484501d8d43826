package node

import (
	"context"
	"encoding/json"
	"sync"

	nlerrors "github.com/vinayprograms/nodelink/errors"
)

// Future is the eventual outcome of a request. It settles at most once;
// later attempts to settle it are ignored. A Future abandoned by Release
// never settles, so waiters should pass a context with a deadline.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v any) bool {
	won := false
	f.once.Do(func() {
		f.result = v
		close(f.done)
		won = true
	})
	return won
}

func (f *Future) reject(err error) bool {
	won := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, nlerrors.WrapWithCode(ctx.Err(), nlerrors.ErrCodeCanceled, "wait for reply")
	}
}

// Result returns the resolved value, or nil if the future has not resolved.
func (f *Future) Result() any {
	if !f.Settled() {
		return nil
	}
	return f.result
}

// Err returns the rejection error, or nil if the future has not been
// rejected.
func (f *Future) Err() error {
	if !f.Settled() {
		return nil
	}
	return f.err
}

// Decode waits for the result and stores it in the value pointed to by v,
// converting the decoded JSON shape into v's type.
func (f *Future) Decode(ctx context.Context, v any) error {
	result, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nlerrors.Wrap(err, "encode result")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nlerrors.Wrap(err, "decode result")
	}
	return nil
}

// Subscription is the handle returned by Listen. The embedded Future settles
// when the remote node acknowledges (or refuses) the subscription.
type Subscription struct {
	*Future

	id       string
	target   string
	t        *Transport
	once     sync.Once
	canceled bool // guarded by t.mu
}

// ID returns the subscription id, which is the id of the listen request.
func (s *Subscription) ID() string {
	return s.id
}

// Cancel stops signal delivery to the callback and asks the remote node to
// tear the subscription down. It is safe to call more than once.
func (s *Subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		err = s.t.unlisten(s)
	})
	return err
}
