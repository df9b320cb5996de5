package clientcontext

import (
	"context"
	"sync"
)

// future is a one-shot lazily-initialized result: the first caller to Get
// runs init; concurrent callers block until it completes and observe the
// same result, matching the spec's "only one initialization runs" factory
// cache requirement.
type future struct {
	once   sync.Once
	ctx    *Context
	err    error
}

func (f *future) get(ctx context.Context, init func(context.Context) (*Context, error)) (*Context, error) {
	f.once.Do(func() { f.ctx, f.err = init(ctx) })
	return f.ctx, f.err
}

// Factory vends Context instances, either caller-owned (Create) or shared
// and factory-managed (GetOrCreate), per spec §4.10.
type Factory struct {
	locator ClientLocator

	mu    sync.Mutex
	cache map[string]*future
}

// NewFactory constructs a Factory resolving client entities through
// locator.
func NewFactory(locator ClientLocator) *Factory {
	return &Factory{locator: locator, cache: make(map[string]*future)}
}

// Create builds a fresh, caller-owned Context bound to clientHandle. The
// caller is responsible for calling Dispose.
func (f *Factory) Create(ctx context.Context, clientHandle string) (*Context, error) {
	return Create(ctx, clientHandle, f.locator)
}

// GetOrCreate returns the factory-managed, shared Context for clientHandle,
// creating it if this is the first request. Concurrent callers racing on
// the same handle receive the same Context and only one initialization
// runs. If the cached Context is found disposed, it is evicted and a fresh
// one is created in its place.
func (f *Factory) GetOrCreate(ctx context.Context, clientHandle string) (*Context, error) {
	f.mu.Lock()
	fut, ok := f.cache[clientHandle]
	if !ok {
		fut = &future{}
		f.cache[clientHandle] = fut
	}
	f.mu.Unlock()

	c, err := fut.get(ctx, func(ctx context.Context) (*Context, error) {
		return Create(ctx, clientHandle, f.locator)
	})
	if err != nil {
		f.mu.Lock()
		delete(f.cache, clientHandle)
		f.mu.Unlock()
		return nil, err
	}

	if c.IsDisposed() {
		f.mu.Lock()
		if f.cache[clientHandle] == fut {
			delete(f.cache, clientHandle)
		}
		f.mu.Unlock()
		return f.GetOrCreate(ctx, clientHandle)
	}
	return c, nil
}
