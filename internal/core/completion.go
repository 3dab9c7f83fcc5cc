package core

import (
	"context"
	"strings"
	"sync"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// Completer offers completions for partially typed remote paths.
type Completer struct {
	lister provider.Lister
}

// NewCompleter creates a completer. Listings are memoized for the lifetime
// of the completer.
func NewCompleter(lister provider.Lister) *Completer {
	if _, ok := lister.(*MemoLister); !ok {
		lister = NewMemoLister(lister)
	}
	return &Completer{lister: lister}
}

// Complete returns the children of the partial path's parent whose names
// start with its last segment. Candidates keep the typed parent text;
// directories end with "/". Any failure yields no candidates.
func (c *Completer) Complete(ctx context.Context, partial string) (out []string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Debug("completion panicked", logging.Any("panic", r))
			out = nil
		}
	}()

	typedParent, prefix := "", partial
	if i := strings.LastIndex(partial, "/"); i >= 0 {
		typedParent, prefix = partial[:i+1], partial[i+1:]
	}

	children, err := c.lister.List(ctx, model.CleanPath(typedParent))
	if err != nil {
		logging.Debug("completion listing failed", logging.String("partial", partial), logging.Err(err))
		return nil
	}

	key := model.SortKey(prefix)
	for _, child := range children {
		if !strings.HasPrefix(model.SortKey(child.Name), key) {
			continue
		}
		candidate := typedParent + child.Name
		if child.IsDir() {
			candidate += "/"
		}
		out = append(out, candidate)
	}
	return out
}

// MemoLister remembers Stat and List results in memory. It is safe for
// concurrent use.
type MemoLister struct {
	inner provider.Lister
	mu    sync.Mutex
	stats map[string]*model.Entry
	lists map[string][]*model.Entry
}

// NewMemoLister wraps inner.
func NewMemoLister(inner provider.Lister) *MemoLister {
	return &MemoLister{
		inner: inner,
		stats: make(map[string]*model.Entry),
		lists: make(map[string][]*model.Entry),
	}
}

// Stat returns the entry at p.
func (m *MemoLister) Stat(ctx context.Context, p string) (*model.Entry, error) {
	p = model.CleanPath(p)
	m.mu.Lock()
	e, ok := m.stats[p]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := m.inner.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stats[p] = e
	m.mu.Unlock()
	return e, nil
}

// List returns the children of p.
func (m *MemoLister) List(ctx context.Context, p string) ([]*model.Entry, error) {
	p = model.CleanPath(p)
	m.mu.Lock()
	entries, ok := m.lists[p]
	m.mu.Unlock()
	if ok {
		return entries, nil
	}

	entries, err := m.inner.List(ctx, p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lists[p] = entries
	for _, e := range entries {
		m.stats[e.Path] = e
	}
	m.mu.Unlock()
	return entries, nil
}
