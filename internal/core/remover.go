package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/metrics"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// RemoveRequest specifies what to delete.
type RemoveRequest struct {
	Targets   []*model.Entry
	Recursive bool
}

// RemovePreview lists what would be deleted, children before parents.
type RemovePreview struct {
	Items     []*model.Entry
	Files     int
	Dirs      int
	TotalSize int64
}

// RemoveResult reports what was deleted.
type RemoveResult struct {
	Deleted int
	Failed  int
	Errors  []error
}

// Err returns a *PartialFailureError when any deletion failed.
func (r *RemoveResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return &PartialFailureError{Total: r.Deleted + r.Failed, Failed: r.Failed, Errors: r.Errors}
}

// Deleter is the subset of a provider needed to remove entries.
type Deleter interface {
	provider.Lister
	Delete(ctx context.Context, p string) error
}

// Remover centralizes deletion on one hierarchy.
type Remover struct {
	target   Deleter
	resolver *Resolver
	mu       sync.Mutex
	// OnDeleted is called after each entry is handled, with a nil error on success.
	OnDeleted func(e *model.Entry, err error)
}

// NewRemover creates a remover for target.
func NewRemover(target Deleter) *Remover {
	return &Remover{target: target, resolver: NewResolver(target)}
}

// Preview expands the request into an ordered deletion list. Without
// Recursive, a non-empty directory fails the whole request with
// provider.ErrNotEmpty before anything is deleted.
func (r *Remover) Preview(ctx context.Context, req *RemoveRequest) (*RemovePreview, error) {
	preview := &RemovePreview{}

	for _, t := range req.Targets {
		if model.CleanPath(t.Path) == "/" {
			return nil, fmt.Errorf("refusing to remove the root directory")
		}

		if !t.IsDir() {
			preview.add(t)
			continue
		}

		if !req.Recursive {
			children, err := r.target.List(ctx, t.Path)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				return nil, fmt.Errorf("%s: %w", t.Path, provider.ErrNotEmpty)
			}
			preview.add(t)
			continue
		}

		sel := &Selection{Recursive: true}
		if err := r.resolver.walk(ctx, sel, t, model.ParentPath(t.Path), true); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", t.Path, err)
		}
		// Reverse pre-order puts every child ahead of its parent.
		for i := len(sel.Items) - 1; i >= 0; i-- {
			preview.add(sel.Items[i].Entry)
		}
	}

	return preview, nil
}

func (p *RemovePreview) add(e *model.Entry) {
	p.Items = append(p.Items, e)
	if e.IsDir() {
		p.Dirs++
		return
	}
	p.Files++
	p.TotalSize += e.Size
}

// Execute deletes the previewed entries in order. Failures are collected
// and do not stop the remaining deletions.
func (r *Remover) Execute(ctx context.Context, preview *RemovePreview, confirmed bool) (*RemoveResult, error) {
	if !confirmed {
		return nil, fmt.Errorf("deletion requires explicit confirmation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := &RemoveResult{
		Errors: make([]error, 0),
	}

	for _, e := range preview.Items {
		if err := ctx.Err(); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", e.Path, err))
			continue
		}

		err := r.target.Delete(ctx, e.Path)
		metrics.RecordStep("delete", outcomeOf(err), 0)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err)
			logging.WithContext(ctx).Warn("delete failed", logging.String("path", e.Path), logging.Err(err))
		} else {
			result.Deleted++
			logging.WithContext(ctx).Debug("deleted", logging.String("path", e.Path))
		}
		if r.OnDeleted != nil {
			r.OnDeleted(e, err)
		}
	}

	return result, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return string(OutcomeFailed)
	}
	return string(OutcomeDone)
}
