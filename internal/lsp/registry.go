package lsp

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the terminal result of a request: exactly one of Result or Err
// is meaningful.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Future is the handle a caller suspends on while a request is in flight.
// It completes exactly once, with a result, a process-reported error, or
// one of ErrRequestTimeout, ErrRequestCancelled, ErrProcessLost.
type Future struct {
	ch chan Outcome
	id atomic.Int64
}

func newFuture() *Future {
	return &Future{ch: make(chan Outcome, 1)}
}

// Done yields the outcome when the request resolves.
func (f *Future) Done() <-chan Outcome {
	return f.ch
}

// complete delivers the outcome. The registry guarantees single delivery
// for registered futures; the buffer absorbs the one write.
func (f *Future) complete(out Outcome) {
	f.ch <- out
}

// PendingRequest is the bookkeeping record for an issued-but-unresolved
// request. It is owned by the Registry from issuance until resolution.
type PendingRequest struct {
	ID       int64
	Method   string
	IssuedAt time.Time
	Deadline time.Time
	future   *Future
}

// Registry correlates outstanding request ids with their pending
// completions. It is confined to the scheduler loop and therefore needs no
// locking. Each PendingRequest resolves exactly once: Resolve, Reject, and
// FailAll all remove the record before completing its future, so a second
// resolution attempt finds nothing.
type Registry struct {
	nextID  int64
	pending map[int64]*PendingRequest
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		pending: make(map[int64]*PendingRequest),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register allocates a fresh id and records a PendingRequest bound to fut.
// Ids are monotonic within a session; an id is never reused while a request
// with that id is outstanding.
func (r *Registry) Register(method string, fut *Future, timeout time.Duration, now time.Time) *PendingRequest {
	r.nextID++
	pr := &PendingRequest{
		ID:       r.nextID,
		Method:   method,
		IssuedAt: now,
		future:   fut,
	}
	if timeout > 0 {
		pr.Deadline = now.Add(timeout)
	}
	fut.id.Store(pr.ID)
	r.pending[pr.ID] = pr
	return pr
}

// Resolve completes the pending request id with a result.
// Resolving an unknown id is a no-op with a diagnostic log, never a fault:
// it happens legitimately when a response races a timeout or cancel.
func (r *Registry) Resolve(id int64, result json.RawMessage) bool {
	pr, ok := r.take(id)
	if !ok {
		r.logger.Debug().Int64("id", id).Msg("response for unknown request dropped")
		return false
	}
	pr.future.complete(Outcome{Result: result})
	return true
}

// Reject completes the pending request id with an error.
func (r *Registry) Reject(id int64, err error) bool {
	pr, ok := r.take(id)
	if !ok {
		return false
	}
	pr.future.complete(Outcome{Err: err})
	return true
}

// FailAll rejects every outstanding request with err and empties the
// registry. Returns how many requests were failed.
func (r *Registry) FailAll(err error) int {
	n := len(r.pending)
	for id, pr := range r.pending {
		delete(r.pending, id)
		pr.future.complete(Outcome{Err: err})
	}
	return n
}

// Expire rejects every request whose deadline has passed with
// ErrRequestTimeout and returns their ids so the session can emit
// best-effort cancellation notifications.
func (r *Registry) Expire(now time.Time) []int64 {
	var expired []int64
	for id, pr := range r.pending {
		if !pr.Deadline.IsZero() && now.After(pr.Deadline) {
			expired = append(expired, id)
			delete(r.pending, id)
			r.logger.Debug().Int64("id", id).Str("method", pr.Method).Msg("request timed out")
			pr.future.complete(Outcome{Err: ErrRequestTimeout})
		}
	}
	return expired
}

// Len returns the number of outstanding requests.
func (r *Registry) Len() int {
	return len(r.pending)
}

// take removes and returns the pending request for id.
func (r *Registry) take(id int64) (*PendingRequest, bool) {
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return pr, ok
}
