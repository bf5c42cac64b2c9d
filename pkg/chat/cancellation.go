package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle is a revocable token representing one in-flight, cancellable unit of
// work. A cancelled handle is never reused; each request acquires a fresh one.
type Handle struct {
	clientID string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Context returns the context threaded into the provider call. It is done once
// the handle has been cancelled.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled reports whether the handle has been signalled.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// Canceller tracks, per client id, the set of cancellation handles for that
// client's in-flight requests. Each client's bucket is independently
// synchronized so unrelated clients never serialize against each other.
// CancelAll racing a concurrent AddHandle for the same client may miss the new
// handle; cancellation is best-effort per in-flight set at call time.
type Canceller struct {
	mu      sync.RWMutex
	buckets map[string]*handleBucket
}

type handleBucket struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewCanceller returns an empty cancellation coordinator.
func NewCanceller() *Canceller {
	return &Canceller{buckets: map[string]*handleBucket{}}
}

// AddHandle creates and registers a new cancellation handle under the
// client's bucket, deriving its context from ctx.
func (c *Canceller) AddHandle(ctx context.Context, clientID string) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{clientID: clientID, ctx: hctx, cancel: cancel}

	c.mu.Lock()
	b, ok := c.buckets[clientID]
	if !ok {
		b = &handleBucket{handles: map[*Handle]struct{}{}}
		c.buckets[clientID] = b
	}
	c.mu.Unlock()

	b.mu.Lock()
	b.handles[h] = struct{}{}
	b.mu.Unlock()
	return h
}

// RemoveHandle unregisters and disposes the handle. Empty buckets are pruned.
func (c *Canceller) RemoveHandle(clientID string, h *Handle) {
	if h == nil {
		return
	}
	h.cancel()

	c.mu.Lock()
	b, ok := c.buckets[clientID]
	c.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.handles, h)
	empty := len(b.handles) == 0
	b.mu.Unlock()
	if empty {
		c.mu.Lock()
		// Re-check under the registry lock; a racing AddHandle may have
		// repopulated the bucket.
		b.mu.Lock()
		if len(b.handles) == 0 {
			delete(c.buckets, clientID)
		}
		b.mu.Unlock()
		c.mu.Unlock()
	}
}

// CancelAll signals cancellation on every handle currently registered for the
// client and reports whether any handle was actually cancelled. No outstanding
// handles is not an error; it returns false.
func (c *Canceller) CancelAll(clientID string) bool {
	c.mu.RLock()
	b, ok := c.buckets[clientID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.handles))
	for h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()
	if len(handles) == 0 {
		return false
	}
	for _, h := range handles {
		h.cancel()
	}
	log.Info().Str("component", "canceller").Str("client_id", clientID).Int("handles", len(handles)).Msg("cancelled in-flight requests")
	return true
}

// ActiveHandles returns the number of live handles for a client.
func (c *Canceller) ActiveHandles(clientID string) int {
	c.mu.RLock()
	b, ok := c.buckets[clientID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}
