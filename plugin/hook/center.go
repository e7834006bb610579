package hook

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrInterrupt signals that a Hook handler wants to stop further processing.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler function.
// Returns (modified data, nil) to continue, or (data, ErrInterrupt) to stop.
type HookFn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type hookEntry struct {
	priority int
	fn       HookFn
	name     string
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu     sync.RWMutex
	hooks  map[string][]*hookEntry
	logger *zap.Logger
}

// NewHookCenter creates a new HookCenter. logger may be nil.
func NewHookCenter(logger *zap.Logger) *HookCenter {
	return &HookCenter{hooks: make(map[string][]*hookEntry), logger: logger}
}

// Register adds a HookFn for the given event with the given priority (lower runs first).
// name is used for Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := hc.hooks[event]
	entries = append(entries, &hookEntry{priority: priority, fn: fn, name: name})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	hc.hooks[event] = entries
}

// Unregister removes all hooks with the given name for the given event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	entries := hc.hooks[event]
	n := 0
	for _, e := range entries {
		if e.name != name {
			entries[n] = e
			n++
		}
	}
	hc.hooks[event] = entries[:n]
}

// UnregisterAll removes all hooks registered with the given name across all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		n := 0
		for _, e := range entries {
			if e.name != name {
				entries[n] = e
				n++
			}
		}
		hc.hooks[event] = entries[:n]
	}
}

// Trigger executes all registered hooks for event in priority order.
// Data flows through each handler, allowing modification.
// If any handler returns ErrInterrupt, execution stops. Other errors are
// logged and the chain continues.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	hc.mu.RLock()
	entries := make([]*hookEntry, len(hc.hooks[event]))
	copy(entries, hc.hooks[event])
	hc.mu.RUnlock()

	var err error
	for _, e := range entries {
		data, err = hc.call(ctx, e, event, data)
		if errors.Is(err, ErrInterrupt) {
			return data, err
		}
		if err != nil && hc.logger != nil {
			hc.logger.Warn("hook returned error",
				zap.String("event", event),
				zap.String("hook", e.name),
				zap.Error(err))
		}
	}
	return data, nil
}

// call runs one handler; a panicking handler is logged and skipped.
func (hc *HookCenter) call(ctx context.Context, e *hookEntry, event string, data interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if hc.logger != nil {
				hc.logger.Error("hook panicked",
					zap.String("event", event),
					zap.String("hook", e.name),
					zap.Any("recover", r))
			}
			out, err = data, nil
		}
	}()
	return e.fn(ctx, event, data)
}

// Has reports whether any handler is registered for event.
func (hc *HookCenter) Has(event string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event]) > 0
}

// Hook events fired by the chat pipeline.
const (
	// BeforeMessageSend receives a *MessageDraft before it is persisted.
	// Handlers may rewrite Content or return ErrInterrupt to refuse it.
	BeforeMessageSend = "before_message_send"
	// AfterMessageSend receives the stored *model.Message.
	AfterMessageSend = "after_message_send"
	OnConnect        = "on_connect"
	OnDisconnect     = "on_disconnect"
	OnFriendAccepted = "on_friend_accepted"
)

// MessageDraft is the mutable payload of BeforeMessageSend.
type MessageDraft struct {
	SenderID   int64
	ReceiverID int64
	Content    string
}

// PresenceEvent is the payload of OnConnect and OnDisconnect.
type PresenceEvent struct {
	UserID int64
	ConnID string
}

// FriendshipEvent is the payload of OnFriendAccepted.
type FriendshipEvent struct {
	RequesterID int64
	AccepterID  int64
}
