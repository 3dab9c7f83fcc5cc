package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// Action is what a plan step does.
type Action string

const (
	ActionCopy    Action = "copy"
	ActionMakeDir Action = "mkdir"
	ActionSkip    Action = "skip"
)

// SkipReason explains a Skip step.
type SkipReason string

const (
	// SkipConflict: the destination holds an entry of the other kind.
	SkipConflict SkipReason = "conflict"
	// SkipExists: the destination file exists and overwriting was declined.
	SkipExists SkipReason = "exists"
	// SkipParent: an ancestor directory step was skipped.
	SkipParent SkipReason = "parent-skipped"
)

// Step is one entry of a transfer plan.
type Step struct {
	Seq    int
	Action Action
	// Source is nil for directories created only to hold the destination root.
	Source *model.Entry
	Dest   string
	Reason SkipReason
	// Overwrite marks a Copy that replaces an existing destination file.
	Overwrite bool
	// Exists marks a MakeDir whose directory is already present.
	Exists bool
}

// IsFailure reports whether the step counts against the run's exit status.
func (s Step) IsFailure() bool {
	return s.Action == ActionSkip && s.Reason != SkipExists
}

func (s Step) String() string {
	src := ""
	if s.Source != nil {
		src = s.Source.Path + " -> "
	}
	switch {
	case s.Action == ActionSkip:
		return fmt.Sprintf("skip    %s%s (%s)", src, s.Dest, s.Reason)
	case s.Action == ActionMakeDir && s.Exists:
		return fmt.Sprintf("exists  %s", s.Dest)
	case s.Action == ActionMakeDir:
		return fmt.Sprintf("mkdir   %s", s.Dest)
	case s.Overwrite:
		return fmt.Sprintf("replace %s%s", src, s.Dest)
	default:
		return fmt.Sprintf("copy    %s%s", src, s.Dest)
	}
}

// TransferPlan is the ordered list of steps for one pull or push.
// It is never modified after Plan returns.
type TransferPlan struct {
	DestRoot string
	Steps    []Step
}

// Copies returns the number of Copy steps and their total size.
func (p *TransferPlan) Copies() (n int, size int64) {
	for _, s := range p.Steps {
		if s.Action == ActionCopy {
			n++
			size += s.Source.Size
		}
	}
	return n, size
}

// Overwrites returns the Copy steps that replace existing files.
func (p *TransferPlan) Overwrites() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Action == ActionCopy && s.Overwrite {
			out = append(out, s)
		}
	}
	return out
}

// PlanOptions tunes planning.
type PlanOptions struct {
	// KeepExisting turns overwrites into Skip(exists).
	KeepExisting bool
	// IntoDir forces the destination to be treated as a directory even if
	// it does not exist yet (a trailing separator on the argument).
	IntoDir bool
}

// Planner turns selections into transfer plans against a destination.
type Planner struct {
	dest provider.Lister
}

// NewPlanner creates a planner that inspects dest for existing entries.
func NewPlanner(dest provider.Lister) *Planner {
	return &Planner{dest: dest}
}

// planState tracks what the plan has done to the destination so far.
type planState struct {
	plan     *TransferPlan
	created  map[string]bool // directories the plan creates
	skipped  map[string]bool // directories the plan skipped
	listings map[string]map[string]*model.Entry
}

func (st *planState) add(s Step) {
	s.Seq = len(st.plan.Steps)
	st.plan.Steps = append(st.plan.Steps, s)
}

// Plan maps every selected entry to a destination path under destRoot.
//
// Directories become MakeDir steps ahead of their contents, files become
// Copy steps. Entries whose destination holds the other kind are skipped
// with a conflict, as is everything below a skipped directory. When
// destRoot does not exist and the selection has a single root, that root is
// renamed to destRoot (cp semantics); otherwise destRoot is created.
func (p *Planner) Plan(ctx context.Context, sel *Selection, destRoot string, opts PlanOptions) (*TransferPlan, error) {
	root := model.CleanPath(destRoot)
	st := &planState{
		plan:     &TransferPlan{DestRoot: root},
		created:  make(map[string]bool),
		skipped:  make(map[string]bool),
		listings: make(map[string]map[string]*model.Entry),
	}
	if sel.Len() == 0 {
		return st.plan, nil
	}

	roots := sel.Roots()
	destEntry, err := p.dest.Stat(ctx, root)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return nil, fmt.Errorf("inspect destination %s: %w", root, err)
	}

	// mapDest turns a selected entry into its destination path.
	mapDest := func(it Selected) string {
		return joinRel(root, it.RelPath())
	}

	switch {
	case destEntry != nil && !destEntry.IsDir():
		if len(sel.Items) != 1 || sel.Items[0].Entry.IsDir() {
			return nil, fmt.Errorf("%s: %w: destination is a file", root, provider.ErrConflict)
		}
		st.add(p.fileStep(sel.Items[0].Entry, root, destEntry, opts))
		return st.plan, nil

	case destEntry == nil && len(roots) == 1 && !opts.IntoDir && !sel.Contents:
		// Rename the single root onto the destination.
		base := roots[0].RelPath()
		mapDest = func(it Selected) string {
			rel := it.RelPath()
			if base != "" {
				rel = strings.TrimPrefix(strings.TrimPrefix(rel, base), "/")
			}
			return joinRel(root, rel)
		}
		if err := p.makeAncestors(ctx, st, model.ParentPath(root)); err != nil {
			return nil, err
		}

	case destEntry == nil:
		if err := p.makeAncestors(ctx, st, root); err != nil {
			return nil, err
		}
	}

	for _, it := range sel.Items {
		dest := mapDest(it)
		if dest == root && it.Entry.IsDir() && (destEntry != nil || st.created[root]) {
			// The destination root itself; already present or created above.
			if destEntry != nil {
				st.add(Step{Action: ActionMakeDir, Source: it.Entry, Dest: dest, Exists: true})
			}
			continue
		}

		step, err := p.stepFor(ctx, st, it.Entry, dest, opts)
		if err != nil {
			return nil, err
		}
		st.add(step)
	}

	logging.Debug("planned transfer",
		logging.String("dest", root),
		logging.Int("steps", len(st.plan.Steps)))
	return st.plan, nil
}

// stepFor decides the step for one entry given what exists at dest.
func (p *Planner) stepFor(ctx context.Context, st *planState, e *model.Entry, dest string, opts PlanOptions) (Step, error) {
	parent := model.ParentPath(dest)

	if st.skipped[parent] {
		if e.IsDir() {
			st.skipped[dest] = true
		}
		return Step{Action: ActionSkip, Source: e, Dest: dest, Reason: SkipParent}, nil
	}

	var existing *model.Entry
	if !st.created[parent] {
		var err error
		existing, err = p.lookup(ctx, st, parent, model.BaseName(dest))
		if err != nil {
			return Step{}, err
		}
	}

	if e.IsDir() {
		switch {
		case existing == nil:
			st.created[dest] = true
			return Step{Action: ActionMakeDir, Source: e, Dest: dest}, nil
		case existing.IsDir():
			return Step{Action: ActionMakeDir, Source: e, Dest: dest, Exists: true}, nil
		default:
			st.skipped[dest] = true
			return Step{Action: ActionSkip, Source: e, Dest: dest, Reason: SkipConflict}, nil
		}
	}

	return p.fileStep(e, dest, existing, opts), nil
}

func (p *Planner) fileStep(e *model.Entry, dest string, existing *model.Entry, opts PlanOptions) Step {
	switch {
	case existing == nil:
		return Step{Action: ActionCopy, Source: e, Dest: dest}
	case existing.IsDir():
		return Step{Action: ActionSkip, Source: e, Dest: dest, Reason: SkipConflict}
	case opts.KeepExisting:
		return Step{Action: ActionSkip, Source: e, Dest: dest, Reason: SkipExists}
	default:
		return Step{Action: ActionCopy, Source: e, Dest: dest, Overwrite: true}
	}
}

// lookup finds name in the destination directory dir, listing it once.
func (p *Planner) lookup(ctx context.Context, st *planState, dir, name string) (*model.Entry, error) {
	children, ok := st.listings[dir]
	if !ok {
		entries, err := p.dest.List(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("inspect destination %s: %w", dir, err)
		}
		children = make(map[string]*model.Entry, len(entries))
		for _, c := range entries {
			children[model.SortKey(c.Name)] = c
		}
		st.listings[dir] = children
	}
	return children[model.SortKey(name)], nil
}

// makeAncestors emits MakeDir steps, top-down, for dir and every missing
// ancestor of it.
func (p *Planner) makeAncestors(ctx context.Context, st *planState, dir string) error {
	var missing []string
	for cur := model.CleanPath(dir); ; cur = model.ParentPath(cur) {
		e, err := p.dest.Stat(ctx, cur)
		if err == nil {
			if !e.IsDir() {
				return fmt.Errorf("%s: %w: not a directory", cur, provider.ErrConflict)
			}
			break
		}
		if !errors.Is(err, provider.ErrNotFound) {
			return fmt.Errorf("inspect destination %s: %w", cur, err)
		}
		missing = append(missing, cur)
		if cur == "/" {
			break
		}
	}

	for i := len(missing) - 1; i >= 0; i-- {
		st.created[missing[i]] = true
		st.add(Step{Action: ActionMakeDir, Dest: missing[i]})
	}
	return nil
}

func joinRel(root, rel string) string {
	if rel == "" {
		return root
	}
	return model.JoinPath(root, rel)
}
