package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Reply is a successful response: the payload and its attachments.
type Reply struct {
	Payload json.RawMessage
	Blobs   [][]byte
}

// Decode unmarshals the payload into out. A nil out is a no-op.
func (r *Reply) Decode(out any) error {
	if out == nil || len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("decoding reply payload: %w", err)
	}
	return nil
}

// Future is the completion handle of a call. It is assigned exactly once and can be waited on by any
// number of goroutines.
type Future struct {
	mut       sync.Mutex
	done      chan struct{}
	reply     *Reply
	err       error
	cancelled bool
	callbacks []func(*Future)
	onCancel  func()
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already completed with r.
func Resolved(r *Reply) *Future {
	f := NewFuture()
	f.Resolve(r)
	return f
}

// Failed returns a future already completed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

// Resolve completes the future successfully. It reports false if the future was already complete.
func (f *Future) Resolve(r *Reply) bool {
	if r == nil {
		r = &Reply{}
	}
	return f.complete(r, nil, false)
}

// Fail completes the future with err. It reports false if the future was already complete.
func (f *Future) Fail(err error) bool {
	return f.complete(nil, err, false)
}

// Cancel completes the future with ErrCancelled. A response arriving afterwards is dropped.
func (f *Future) Cancel() bool {
	return f.complete(nil, ErrCancelled, true)
}

func (f *Future) Cancelled() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.cancelled
}

func (f *Future) complete(r *Reply, err error, cancel bool) bool {
	f.mut.Lock()
	select {
	case <-f.done:
		f.mut.Unlock()
		return false
	default:
	}
	f.reply = r
	f.err = err
	f.cancelled = cancel
	callbacks := f.callbacks
	f.callbacks = nil
	onCancel := f.onCancel
	f.onCancel = nil
	close(f.done)
	f.mut.Unlock()

	if cancel && onCancel != nil {
		onCancel()
	}
	for _, cb := range callbacks {
		cb(f)
	}
	return true
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. Giving up on ctx does not cancel the call.
func (f *Future) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a completed future, or ErrNotDone.
func (f *Future) Result() (*Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	default:
		return nil, ErrNotDone
	}
}

// OnDone registers fn to run once the future completes. If it already has, fn runs immediately.
// Callbacks run on the completing goroutine, often a connection's reader, and must not block on other calls.
func (f *Future) OnDone(fn func(*Future)) {
	f.mut.Lock()
	select {
	case <-f.done:
		f.mut.Unlock()
		fn(f)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mut.Unlock()
}

func (f *Future) setCancelHook(fn func()) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.onCancel = fn
}
