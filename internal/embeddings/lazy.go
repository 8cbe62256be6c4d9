package embeddings

import (
	"context"
	"fmt"
	"sync"
)

// Lazy defers construction of an expensive Provider (model loading) until
// first use. Construction runs at most once; concurrent callers that arrive
// before loading completes block on the same attempt. A failed load is
// remembered and returned to every subsequent call.
type Lazy struct {
	factory func() (Provider, error)
	dim     int

	once sync.Once
	prov Provider
	err  error
}

// NewLazy wraps a provider factory. dim must match the dimension of the
// provider the factory will eventually produce, so the store can be sized
// before the model is loaded.
func NewLazy(dim int, factory func() (Provider, error)) *Lazy {
	return &Lazy{factory: factory, dim: dim}
}

// Embed loads the underlying provider on first call, then delegates.
func (l *Lazy) Embed(ctx context.Context, text string) ([]float32, error) {
	l.once.Do(func() {
		l.prov, l.err = l.factory()
		if l.err == nil && l.prov.Dimensions() != l.dim {
			l.prov, l.err = nil, fmt.Errorf("provider dimension %d does not match configured %d", l.prov.Dimensions(), l.dim)
		}
	})
	if l.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, l.err)
	}
	return l.prov.Embed(ctx, text)
}

// Dimensions returns the configured dimension without forcing a load.
func (l *Lazy) Dimensions() int { return l.dim }
