// Package core implements path resolution, transfer planning and execution,
// tree rendering, completion, and the local index (journal and listing cache).
package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// Selected is one entry of a resolved selection.
type Selected struct {
	Entry *model.Entry

	// Root is true when the argument designated the entry directly (a file,
	// a glob match, a recursion root or a file child of a non-recursive
	// directory) and false for entries reached by recursion.
	Root bool

	// Anchor is the path prefix stripped to place the entry under a
	// destination.
	Anchor string
}

// RelPath returns the entry path relative to its anchor. The empty string
// means the entry maps onto the destination itself.
func (s Selected) RelPath() string {
	p := s.Entry.Path
	anchor := model.CleanPath(s.Anchor)
	if p == anchor {
		return ""
	}
	if anchor == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(p, anchor+"/")
}

// Selection is the ordered result of resolving one path argument.
type Selection struct {
	Arg       string
	Recursive bool
	// Contents is set when the argument stands for a directory's contents
	// rather than for the entries it names.
	Contents bool
	Items    []Selected
}

// Len returns the number of selected entries.
func (s *Selection) Len() int {
	return len(s.Items)
}

// Roots returns the entries designated directly by the argument.
func (s *Selection) Roots() []Selected {
	var roots []Selected
	for _, it := range s.Items {
		if it.Root {
			roots = append(roots, it)
		}
	}
	return roots
}

// Counts returns the number of files, directories and the total file size.
func (s *Selection) Counts() (files, dirs int, size int64) {
	for _, it := range s.Items {
		if it.Entry.IsDir() {
			dirs++
			continue
		}
		files++
		size += it.Entry.Size
	}
	return files, dirs, size
}

// Resolver expands path arguments against one hierarchy.
type Resolver struct {
	lister provider.Lister
}

// NewResolver creates a resolver over lister.
func NewResolver(lister provider.Lister) *Resolver {
	return &Resolver{lister: lister}
}

// parsedArg is a path argument split into the parts resolution cares about.
type parsedArg struct {
	clean   string // cleaned absolute path
	parent  string
	last    string // final segment, raw (may be a pattern)
	glob    bool   // final segment is a glob pattern
	here    bool   // argument ends in "/." (anchor at the directory itself)
	trailer bool   // argument ends in a separator
}

func parseArg(arg string) parsedArg {
	trimmed := strings.TrimRight(arg, "/")

	pa := parsedArg{
		trailer: strings.HasSuffix(arg, "/") && trimmed != "",
		here:    trimmed == "." || strings.HasSuffix(trimmed, "/."),
	}

	// Glob syntax is only honored in the final segment; earlier segments are
	// literal names. path.Clean leaves backslashes and brackets alone.
	pa.clean = model.CleanPath(trimmed)
	if pa.clean == "/" {
		pa.parent = "/"
		return pa
	}

	pa.parent = model.ParentPath(pa.clean)
	pa.last = path.Base(pa.clean)
	pa.glob = !pa.here && HasMeta(pa.last)
	return pa
}

// Resolve expands arg into an ordered selection.
//
// A file resolves to itself. A directory resolves to its direct file
// children, or with recursive set, to itself plus every descendant in
// pre-order. A glob in the final segment matches direct children of its
// parent. With recursive set, matched directories expand like a recursive
// directory argument. Without it they are skipped whole, as with cp dir/*:
// their file children are not taken the way a plain directory argument's
// are. Entries at each level are ordered by name.
func (r *Resolver) Resolve(ctx context.Context, arg string, recursive bool) (*Selection, error) {
	return r.resolve(ctx, arg, recursive, false)
}

// ResolveContents resolves arg with full recursion, anchoring a directory
// argument at the directory itself so its contents map directly onto the
// destination. Glob matches are anchored as in Resolve.
func (r *Resolver) ResolveContents(ctx context.Context, arg string) (*Selection, error) {
	return r.resolve(ctx, arg, true, true)
}

func (r *Resolver) resolve(ctx context.Context, arg string, recursive, here bool) (*Selection, error) {
	pa := parseArg(arg)
	pa.here = pa.here || (here && !pa.glob)
	sel := &Selection{Arg: arg, Recursive: recursive}

	if pa.glob {
		matches, literal, err := r.matchChildren(ctx, pa)
		if err != nil {
			return nil, err
		}
		if literal == nil {
			for _, m := range matches {
				if err := r.expand(ctx, sel, m, pa.parent, recursive); err != nil {
					return nil, err
				}
			}
			logging.Debug("resolved glob",
				logging.String("arg", arg),
				logging.Int("matches", len(matches)),
				logging.Int("selected", sel.Len()))
			return sel, nil
		}
		// No match, but an entry literally named like the pattern exists.
		pa.clean = literal.Path
		pa.glob = false
		pa.here = here
	}

	entry, err := r.lister.Stat(ctx, pa.clean)
	if err != nil {
		return nil, resolveError(arg, err)
	}

	if !entry.IsDir() {
		if pa.trailer {
			return nil, fmt.Errorf("%s: %w: not a directory", arg, provider.ErrNotFound)
		}
		sel.Items = append(sel.Items, Selected{Entry: entry, Root: true, Anchor: model.ParentPath(entry.Path)})
		return sel, nil
	}

	sel.Contents = !recursive || pa.here
	if !recursive {
		children, err := r.lister.List(ctx, entry.Path)
		if err != nil {
			return nil, resolveError(arg, err)
		}
		for _, c := range children {
			if !c.IsDir() {
				sel.Items = append(sel.Items, Selected{Entry: c, Root: true, Anchor: entry.Path})
			}
		}
		return sel, nil
	}

	anchor := model.ParentPath(entry.Path)
	if pa.here {
		anchor = entry.Path
	}
	if err := r.walk(ctx, sel, entry, anchor, true); err != nil {
		return nil, resolveError(arg, err)
	}
	return sel, nil
}

// matchChildren lists the glob's parent and returns the matching children.
// When nothing matches it returns the child literally named like the
// pattern, if any.
func (r *Resolver) matchChildren(ctx context.Context, pa parsedArg) ([]*model.Entry, *model.Entry, error) {
	parent, err := r.lister.Stat(ctx, pa.parent)
	if err != nil {
		return nil, nil, resolveError(pa.parent, err)
	}
	if !parent.IsDir() {
		return nil, nil, fmt.Errorf("%s: %w: not a directory", pa.parent, provider.ErrNotFound)
	}

	children, err := r.lister.List(ctx, pa.parent)
	if err != nil {
		return nil, nil, resolveError(pa.parent, err)
	}

	var matches []*model.Entry
	for _, c := range children {
		ok, err := MatchName(pa.last, c.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pattern %q: %w", pa.last, err)
		}
		if ok {
			matches = append(matches, c)
		}
	}
	if len(matches) > 0 {
		return matches, nil, nil
	}

	for _, name := range []string{pa.last, unescape(pa.last)} {
		for _, c := range children {
			if model.SortKey(c.Name) == model.SortKey(name) {
				return nil, c, nil
			}
		}
	}
	return nil, nil, nil
}

// expand adds one glob match to the selection.
func (r *Resolver) expand(ctx context.Context, sel *Selection, e *model.Entry, anchor string, recursive bool) error {
	if !e.IsDir() {
		sel.Items = append(sel.Items, Selected{Entry: e, Root: true, Anchor: anchor})
		return nil
	}
	if !recursive {
		return nil
	}
	return r.walk(ctx, sel, e, anchor, true)
}

// walk appends e and, for directories, all descendants in pre-order.
func (r *Resolver) walk(ctx context.Context, sel *Selection, e *model.Entry, anchor string, root bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sel.Items = append(sel.Items, Selected{Entry: e, Root: root, Anchor: anchor})
	if !e.IsDir() {
		return nil
	}

	children, err := r.lister.List(ctx, e.Path)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := r.walk(ctx, sel, c, anchor, false); err != nil {
			return err
		}
	}
	return nil
}

// Designate returns the entries an argument names without expanding
// directories. Used by rm, which decides itself what to do with them.
func (r *Resolver) Designate(ctx context.Context, arg string) ([]*model.Entry, error) {
	pa := parseArg(arg)

	if pa.glob {
		matches, literal, err := r.matchChildren(ctx, pa)
		if err != nil {
			return nil, err
		}
		if literal == nil {
			return matches, nil
		}
		return []*model.Entry{literal}, nil
	}

	entry, err := r.lister.Stat(ctx, pa.clean)
	if err != nil {
		return nil, resolveError(arg, err)
	}
	return []*model.Entry{entry}, nil
}

// FetchTree returns a copy of root with children fetched down to depth
// levels (depth < 0 means unlimited). Each directory is listed once.
func (r *Resolver) FetchTree(ctx context.Context, root *model.Entry, depth int) (*model.Entry, error) {
	if !root.IsDir() || depth == 0 {
		return root, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	children, err := r.lister.List(ctx, root.Path)
	if err != nil {
		return nil, err
	}

	populated := make([]*model.Entry, 0, len(children))
	for _, c := range children {
		fc, err := r.FetchTree(ctx, c, depth-1)
		if err != nil {
			return nil, err
		}
		populated = append(populated, fc)
	}
	return root.WithChildren(populated)
}

// resolveError keeps taxonomy errors matchable while naming the argument.
func resolveError(arg string, err error) error {
	if errors.Is(err, provider.ErrNotFound) {
		return fmt.Errorf("%s: %w", arg, provider.ErrNotFound)
	}
	return fmt.Errorf("resolve %s: %w", arg, err)
}
