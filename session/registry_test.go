package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { return zap.NewNop() }

// fakeHandle records sent payloads in memory.
type fakeHandle struct {
	uid     int64
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	code    int
	failErr error
	panics  bool
}

func newFake(uid int64) *fakeHandle { return &fakeHandle{uid: uid} }

func (f *fakeHandle) UserID() int64 { return f.uid }

func (f *fakeHandle) Send(data []byte) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeHandle) Close(code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
	}
}

func (f *fakeHandle) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeHandle) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry(nop())
	h := newFake(1)
	r.Register(h)

	got, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.True(t, r.IsOnline(1))
	assert.False(t, r.IsOnline(2))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ReplaceKeepsOnlySecond(t *testing.T) {
	r := NewRegistry(nop())
	first, second := newFake(1), newFake(1)
	r.Register(first)
	r.Register(second)

	assert.Equal(t, 1, r.Count())
	got, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Same(t, second, got)
	// The displaced handle is not closed by the registry.
	assert.False(t, first.IsClosed())

	assert.True(t, r.PushIfOnline(1, []byte("x")))
	assert.Empty(t, first.Sent())
	assert.Len(t, second.Sent(), 1)
}

func TestRegistry_UnregisterCompareAndRemove(t *testing.T) {
	r := NewRegistry(nop())
	first, second := newFake(1), newFake(1)
	r.Register(first)
	r.Register(second)

	// A stale disconnect from the displaced handle is a no-op.
	assert.False(t, r.Unregister(1, first))
	got, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.Unregister(1, second))
	_, ok = r.Lookup(1)
	assert.False(t, ok)
	assert.False(t, r.Unregister(1, second))
}

func TestRegistry_PushIfOnline_Offline(t *testing.T) {
	r := NewRegistry(nop())
	assert.NotPanics(t, func() {
		assert.False(t, r.PushIfOnline(99, []byte("hello")))
	})
}

func TestRegistry_PushIfOnline_SendFailure(t *testing.T) {
	r := NewRegistry(nop())
	h := newFake(1)
	h.failErr = errors.New("broken pipe")
	r.Register(h)
	assert.False(t, r.PushIfOnline(1, []byte("x")))

	closed := newFake(2)
	closed.Close(1000, "")
	r.Register(closed)
	assert.False(t, r.PushIfOnline(2, []byte("x")))

	panicky := newFake(3)
	panicky.panics = true
	r.Register(panicky)
	assert.NotPanics(t, func() {
		assert.False(t, r.PushIfOnline(3, []byte("x")))
	})
}

func TestRegistry_Sweep(t *testing.T) {
	r := NewRegistry(nop())
	open, dead := newFake(1), newFake(2)
	dead.Close(1006, "gone")
	r.Register(open)
	r.Register(dead)

	assert.Equal(t, 1, r.Sweep())
	assert.True(t, r.IsOnline(1))
	assert.False(t, r.IsOnline(2))
	assert.Equal(t, 0, r.Sweep())
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nop())
	a, b := newFake(1), newFake(2)
	r.Register(a)
	r.Register(b)

	// Simulate owners unregistering once they observe the close.
	go func() {
		for !a.IsClosed() || !b.IsClosed() {
			time.Sleep(5 * time.Millisecond)
		}
		r.Unregister(1, a)
		r.Unregister(2, b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.CloseAll(ctx, 1001, "shutdown")
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1001, a.code)
}

func TestRegistry_CloseAll_Timeout(t *testing.T) {
	r := NewRegistry(nop())
	r.Register(newFake(1))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.CloseAll(ctx, 1001, "shutdown")
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			h := newFake(uid % 5)
			r.Register(h)
			r.PushIfOnline(uid%5, []byte("x"))
			r.Lookup((uid + 1) % 5)
			r.Unregister(uid%5, h)
		}(int64(i))
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Count(), 5)
}
