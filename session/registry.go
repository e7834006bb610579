package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry maps each online user to at most one live Handle. It is shared by
// every connection goroutine.
type Registry struct {
	mu      sync.RWMutex
	handles map[int64]Handle
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handles: make(map[int64]Handle),
		logger:  logger,
	}
}

// Register stores h for its user. A previous handle for the same user is
// replaced but not closed; it finds out on its next failed write or when
// its own reader stops.
func (r *Registry) Register(h Handle) {
	uid := h.UserID()
	r.mu.Lock()
	_, replaced := r.handles[uid]
	r.handles[uid] = h
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.Int64("user_id", uid),
		zap.Bool("replaced", replaced))
}

// Unregister removes the mapping for userID only if it still points at h,
// so a late disconnect from a displaced connection cannot evict its
// replacement. It reports whether anything was removed.
func (r *Registry) Unregister(userID int64, h Handle) bool {
	r.mu.Lock()
	cur, ok := r.handles[userID]
	removed := ok && cur == h
	if removed {
		delete(r.handles, userID)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info("connection unregistered", zap.Int64("user_id", userID))
	}
	return removed
}

// Lookup returns the current handle for userID.
func (r *Registry) Lookup(userID int64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[userID]
	return h, ok
}

// PushIfOnline attempts a non-blocking delivery to userID. The handle is
// copied out under the read lock and written to after releasing it.
// Any failure, including a panicking handle, reports false.
func (r *Registry) PushIfOnline(userID int64, payload []byte) (delivered bool) {
	h, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("push panicked", zap.Int64("user_id", userID), zap.Any("panic", rec))
			delivered = false
		}
	}()
	if err := h.Send(payload); err != nil {
		r.logger.Debug("live push failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return true
}

// IsOnline reports whether userID has a registered handle.
func (r *Registry) IsOnline(userID int64) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Count returns the number of registered handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// All returns a snapshot of the registered handles.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Sweep drops handles that are already closed and returns how many it
// removed. Normally the owning goroutine unregisters on exit; this catches
// handles whose owner died without doing so.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	n := 0
	for uid, h := range r.handles {
		if h.IsClosed() {
			delete(r.handles, uid)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info("swept closed connections", zap.Int("count", n))
	}
	return n
}

// CloseAll closes every registered handle with code and waits until their
// owners have unregistered or ctx is done.
func (r *Registry) CloseAll(ctx context.Context, code int, reason string) {
	handles := r.All()
	r.logger.Info("closing all connections", zap.Int("count", len(handles)))
	for _, h := range handles {
		h.Close(code, reason)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for r.Count() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
