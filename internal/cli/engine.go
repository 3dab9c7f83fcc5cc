// Package cli provides the engine behind the gdrive commands.
// This file contains initialization and the command implementations.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/wjurkowlaniec/gdrive/internal/config"
	"github.com/wjurkowlaniec/gdrive/internal/core"
	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/metrics"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
	"github.com/wjurkowlaniec/gdrive/internal/provider/local"
)

// Engine holds the gdrive components used by the commands.
type Engine struct {
	Providers *provider.DefaultRegistry
	Index     *core.Index
	Journal   *core.JournalManager
	Cache     *core.ListingCache
	// Local is the filesystem side of push and pull, rooted at "/".
	Local *local.Provider

	// RemoteName selects the remote; empty means the default one.
	RemoteName  string
	Concurrency int
	// WorkDir resolves relative local paths.
	WorkDir string
	Verbose bool
	Quiet   bool
	DryRun  bool

	Out io.Writer
	Err io.Writer
	In  *bufio.Reader

	mu          sync.Mutex
	initialized map[string]bool
}

// NewEngine assembles an engine from already opened components.
func NewEngine(providers *provider.DefaultRegistry, index *core.Index, cache *core.ListingCache) (*Engine, error) {
	root := string(filepath.Separator)
	lp, err := local.New(local.Config{ID: "local", RootPath: root})
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return &Engine{
		Providers:   providers,
		Index:       index,
		Journal:     core.NewJournalManager(index.DB()),
		Cache:       cache,
		Local:       lp,
		Concurrency: core.DefaultConcurrency,
		WorkDir:     wd,
		Out:         os.Stdout,
		Err:         os.Stderr,
		In:          bufio.NewReader(os.Stdin),
		initialized: make(map[string]bool),
	}, nil
}

// InitEngine builds the engine from configuration: the configured remotes,
// the index database (encrypted when a passphrase is set) and its journal
// and listing cache.
func InitEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	providers, err := cfg.BuildRegistry(ctx)
	if err != nil {
		return nil, err
	}

	index, err := core.OpenIndex(cfg.IndexPath(), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := index.Initialize(ctx); err != nil {
		index.Close()
		return nil, err
	}

	e, err := NewEngine(providers, index, core.NewListingCache(index.DB(), cfg.CacheTTL))
	if err != nil {
		index.Close()
		return nil, err
	}
	e.RemoteName = cfg.Remote
	e.Concurrency = cfg.Concurrency
	return e, nil
}

// Close releases the index.
func (e *Engine) Close() error {
	return e.Index.Close()
}

// ConfirmAction prompts the user for confirmation.
func (e *Engine) ConfirmAction(prompt string) bool {
	fmt.Fprintf(e.Out, "%s [y/N]: ", prompt)
	response, _ := e.In.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func (e *Engine) printf(format string, args ...any) {
	if !e.Quiet {
		fmt.Fprintf(e.Out, format, args...)
	}
}

// remote returns the selected remote, checking it once per process.
func (e *Engine) remote(ctx context.Context) (provider.Provider, error) {
	p, err := e.Providers.Resolve(e.RemoteName)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized[p.ID()] {
		if err := p.Init(ctx); err != nil {
			return nil, fmt.Errorf("remote '%s' unavailable: %w", p.ID(), err)
		}
		e.initialized[p.ID()] = true
	}
	return p, nil
}

// localArg turns a local path argument into an absolute slash path,
// keeping a trailing "/" or "/." since they change how it resolves.
func (e *Engine) localArg(arg string) string {
	if arg == "" {
		arg = "."
	}
	suffix := ""
	switch {
	case arg == "." || strings.HasSuffix(arg, "/."):
		suffix = "/."
	case strings.HasSuffix(arg, "/") && len(arg) > 1:
		suffix = "/"
	}

	p := filepath.FromSlash(arg)
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.WorkDir, p)
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "/" {
		return p + strings.TrimPrefix(suffix, "/")
	}
	return p + suffix
}

// --- Command Implementations ---

// RunTree renders the hierarchy below arg. depth < 0 is unlimited.
func (e *Engine) RunTree(ctx context.Context, arg string, depth int) error {
	p, err := e.remote(ctx)
	if err != nil {
		return err
	}

	entry, err := p.Stat(ctx, arg)
	if err != nil {
		return fmt.Errorf("%s: %w", arg, err)
	}

	root, err := core.NewResolver(p).FetchTree(ctx, entry, depth)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", arg, err)
	}
	return core.NewRenderer().Render(e.Out, root)
}

// PullOptions are the pull command switches.
type PullOptions struct {
	Recursive bool
	// Full downloads everything below the source directly into the destination.
	Full      bool
	Overwrite bool
}

// RunPull downloads src from the remote into the local dest (default ".").
func (e *Engine) RunPull(ctx context.Context, src, dest string, opts PullOptions) error {
	p, err := e.remote(ctx)
	if err != nil {
		return err
	}

	resolver := core.NewResolver(p)
	var sel *core.Selection
	if opts.Full {
		sel, err = resolver.ResolveContents(ctx, src)
	} else {
		sel, err = resolver.Resolve(ctx, src, opts.Recursive)
	}
	if err != nil {
		return err
	}

	return e.transfer(ctx, transferRequest{
		direction: "pull",
		remote:    p.ID(),
		sourceArg: src,
		destArg:   dest,
		sel:       sel,
		src:       p,
		dst:       e.Local,
		destRoot:  e.localArg(dest),
		intoDir:   dest == "" || isDirArg(dest),
		overwrite: opts.Overwrite,
	})
}

// PushOptions are the push command switches.
type PushOptions struct {
	Recursive bool
	Overwrite bool
	MimeType  string
}

// RunPush uploads the local sources into dest on the remote. With several
// sources dest is always a directory.
func (e *Engine) RunPush(ctx context.Context, sources []string, dest string, opts PushOptions) error {
	p, err := e.remote(ctx)
	if err != nil {
		return err
	}

	resolver := core.NewResolver(e.Local)
	sel := &core.Selection{Arg: strings.Join(sources, " "), Recursive: opts.Recursive}
	for _, s := range sources {
		one, err := resolver.Resolve(ctx, e.localArg(s), opts.Recursive)
		if err != nil {
			return fmt.Errorf("%s: %w", s, unwrapArg(err))
		}
		sel.Items = append(sel.Items, one.Items...)
		sel.Contents = sel.Contents || one.Contents
	}

	return e.transfer(ctx, transferRequest{
		direction: "push",
		remote:    p.ID(),
		sourceArg: sel.Arg,
		destArg:   dest,
		sel:       sel,
		src:       e.Local,
		dst:       p,
		destRoot:  model.CleanPath(dest),
		intoDir:   len(sources) > 1 || isDirArg(dest),
		overwrite: opts.Overwrite,
		putOpts:   provider.PutOptions{MimeType: opts.MimeType},
	})
}

// isDirArg reports whether a destination argument names a directory by
// its spelling alone.
func isDirArg(arg string) bool {
	return arg == "." || strings.HasSuffix(arg, "/") || strings.HasSuffix(arg, "/.")
}

// unwrapArg drops the absolute path prefix the resolver put on a local
// error so the message names what the user typed.
func unwrapArg(err error) error {
	if errors.Is(err, provider.ErrNotFound) {
		return provider.ErrNotFound
	}
	return err
}

// transferSink is the destination of a pull or push; the planner lists it
// and the executor writes to it.
type transferSink interface {
	core.Sink
	provider.Lister
}

type transferRequest struct {
	direction string
	remote    string
	sourceArg string
	destArg   string
	sel       *core.Selection
	src       core.Source
	dst       transferSink
	destRoot  string
	intoDir   bool
	overwrite bool
	putOpts   provider.PutOptions
}

// transfer plans and executes one pull or push and journals the run.
func (e *Engine) transfer(ctx context.Context, req transferRequest) error {
	metrics.SetResolvedEntries(req.sel.Len())
	if req.sel.Len() == 0 {
		e.printf("Nothing to %s.\n", req.direction)
		return nil
	}

	files, dirs, size := req.sel.Counts()
	e.printf("Found %d files in %d directories with a total size of %s\n", files, dirs, humanize.IBytes(uint64(size)))

	planner := core.NewPlanner(req.dst)
	planOpts := core.PlanOptions{IntoDir: req.intoDir}
	plan, err := planner.Plan(ctx, req.sel, req.destRoot, planOpts)
	if err != nil {
		return err
	}

	if overwrites := plan.Overwrites(); len(overwrites) > 0 && !req.overwrite && !e.DryRun {
		fmt.Fprintln(e.Out, "Will overwrite:")
		for _, s := range overwrites {
			fmt.Fprintf(e.Out, "  %s\n", s.Dest)
		}
		if !e.ConfirmAction(fmt.Sprintf("Overwrite %d file(s)?", len(overwrites))) {
			planOpts.KeepExisting = true
			plan, err = planner.Plan(ctx, req.sel, req.destRoot, planOpts)
			if err != nil {
				return err
			}
		}
	}

	if e.DryRun {
		for _, s := range plan.Steps {
			fmt.Fprintf(e.Out, "[DRY-RUN] %s\n", s)
		}
		return nil
	}

	payload, _ := json.Marshal(map[string]any{
		"remote":    req.remote,
		"source":    req.sourceArg,
		"dest":      req.destArg,
		"recursive": req.sel.Recursive,
	})
	opID, err := e.Journal.BeginOperation(ctx, req.direction, string(payload))
	if err != nil {
		return err
	}
	ctx = logging.WithRun(ctx, opID)

	touched := make(map[string]bool)
	executor := core.NewExecutor(req.src, req.dst, core.ExecutorOptions{
		Concurrency: e.Concurrency,
		Direction:   req.direction,
		PutOptions:  req.putOpts,
		OnResult: func(res core.StepResult) {
			e.recordStep(ctx, opID, res)
			if res.Outcome == core.OutcomeDone && !res.Step.Exists && res.Step.Action != core.ActionSkip {
				touched[model.ParentPath(res.Step.Dest)] = true
			}
		},
	})
	report := executor.Execute(ctx, plan)

	if req.direction == "push" {
		for dir := range touched {
			if err := e.Cache.Invalidate(ctx, req.remote, dir); err != nil {
				logging.WithContext(ctx).Debug("cache invalidation failed", logging.Err(err))
			}
		}
	}

	done, failed, skipped, bytes := report.Summary()
	runErr := report.Err()
	e.finishRun(ctx, opID, runErr, len(plan.Steps), len(report.Failures()))

	e.printf("Transferred %s in %d steps", humanize.IBytes(uint64(bytes)), done)
	if failed > 0 || skipped > 0 {
		e.printf(" (%d failed, %d skipped)", failed, skipped)
	}
	e.printf("\n")
	return runErr
}

func (e *Engine) recordStep(ctx context.Context, opID string, res core.StepResult) {
	step := model.JournalStep{
		OperationID: opID,
		Seq:         res.Step.Seq,
		Action:      string(res.Step.Action),
		Dest:        res.Step.Dest,
		Outcome:     string(res.Outcome),
	}
	if res.Step.Source != nil {
		step.Source = res.Step.Source.Path
	}
	switch {
	case res.Err != nil:
		step.Error = res.Err.Error()
	case res.Failed():
		step.Error = string(res.Step.Reason)
	}
	if err := e.Journal.RecordStep(ctx, step); err != nil {
		logging.WithContext(ctx).Warn("failed to journal step", logging.Err(err))
	}

	if res.Failed() {
		fmt.Fprintf(e.Err, "✗ %s", res.Step)
		if res.Err != nil {
			fmt.Fprintf(e.Err, ": %v", res.Err)
		}
		fmt.Fprintln(e.Err)
	} else if e.Verbose {
		fmt.Fprintf(e.Out, "  %s\n", res.Step)
	}
}

func (e *Engine) finishRun(ctx context.Context, opID string, runErr error, steps, failed int) {
	state := model.JournalStateCompleted
	switch {
	case ctx.Err() != nil:
		state = model.JournalStateAborted
	case runErr != nil:
		state = model.JournalStatePartial
	}
	// The run context may be cancelled; the journal must still be closed.
	if err := e.Journal.FinishOperation(context.WithoutCancel(ctx), opID, state, steps, failed); err != nil {
		logging.WithContext(ctx).Warn("failed to finish journal entry", logging.Err(err))
	}
}

// RunMkdir creates one directory on the remote. The parent must exist.
func (e *Engine) RunMkdir(ctx context.Context, arg string) error {
	p, err := e.remote(ctx)
	if err != nil {
		return err
	}

	target := model.CleanPath(arg)
	if target == "/" {
		return fmt.Errorf("%s: %w: already exists", arg, provider.ErrConflict)
	}
	parent, err := p.Stat(ctx, model.ParentPath(target))
	if err != nil {
		return fmt.Errorf("%s: %w", model.ParentPath(target), err)
	}
	if !parent.IsDir() {
		return fmt.Errorf("%s: %w: not a directory", parent.Path, provider.ErrNotFound)
	}
	if _, err := p.Stat(ctx, target); err == nil {
		return fmt.Errorf("%s: %w: already exists", target, provider.ErrConflict)
	} else if !errors.Is(err, provider.ErrNotFound) {
		return err
	}

	if e.DryRun {
		fmt.Fprintf(e.Out, "[DRY-RUN] Would create directory: %s\n", target)
		return nil
	}

	if _, err := p.MakeDir(ctx, target); err != nil {
		return err
	}
	if err := e.Cache.Invalidate(ctx, p.ID(), target); err != nil {
		logging.WithContext(ctx).Debug("cache invalidation failed", logging.Err(err))
	}
	e.printf("✓ Created directory: %s\n", target)
	return nil
}

// RunRm deletes the entries named by args from the remote.
func (e *Engine) RunRm(ctx context.Context, args []string, recursive, force bool) error {
	p, err := e.remote(ctx)
	if err != nil {
		return err
	}

	resolver := core.NewResolver(p)
	var targets []*model.Entry
	for _, arg := range args {
		entries, err := resolver.Designate(ctx, arg)
		if err != nil {
			return err
		}
		targets = append(targets, entries...)
	}
	if len(targets) == 0 {
		e.printf("Nothing to remove.\n")
		return nil
	}

	remover := core.NewRemover(p)
	preview, err := remover.Preview(ctx, &core.RemoveRequest{Targets: targets, Recursive: recursive})
	if err != nil {
		return err
	}

	if e.DryRun {
		for _, item := range preview.Items {
			fmt.Fprintf(e.Out, "[DRY-RUN] Would delete: %s\n", item.Path)
		}
		return nil
	}

	if recursive && preview.Dirs > 0 && !force {
		fmt.Fprintf(e.Out, "Will delete %d files and %d directories (%s)\n",
			preview.Files, preview.Dirs, humanize.IBytes(uint64(preview.TotalSize)))
		if !e.ConfirmAction("Delete?") {
			fmt.Fprintln(e.Out, "Cancelled.")
			return nil
		}
	}

	payload, _ := json.Marshal(map[string]any{"remote": p.ID(), "targets": args, "recursive": recursive})
	opID, err := e.Journal.BeginOperation(ctx, "rm", string(payload))
	if err != nil {
		return err
	}
	ctx = logging.WithRun(ctx, opID)

	seq := 0
	remover.OnDeleted = func(entry *model.Entry, err error) {
		step := model.JournalStep{OperationID: opID, Seq: seq, Action: "delete", Dest: entry.Path, Outcome: string(core.OutcomeDone)}
		if err != nil {
			step.Outcome = string(core.OutcomeFailed)
			step.Error = err.Error()
			fmt.Fprintf(e.Err, "✗ delete %s: %v\n", entry.Path, err)
		} else if e.Verbose {
			fmt.Fprintf(e.Out, "  deleted %s\n", entry.Path)
		}
		if jerr := e.Journal.RecordStep(ctx, step); jerr != nil {
			logging.WithContext(ctx).Warn("failed to journal step", logging.Err(jerr))
		}
		if err := e.Cache.Invalidate(ctx, p.ID(), entry.Path); err != nil {
			logging.WithContext(ctx).Debug("cache invalidation failed", logging.Err(err))
		}
		seq++
	}

	result, err := remover.Execute(ctx, preview, true)
	if err != nil {
		return err
	}
	runErr := result.Err()
	e.finishRun(ctx, opID, runErr, len(preview.Items), result.Failed)

	e.printf("✓ Deleted %d of %d entries\n", result.Deleted, len(preview.Items))
	return runErr
}

// RunRemotes lists the configured remotes with their health.
func (e *Engine) RunRemotes(ctx context.Context) error {
	all := e.Providers.All()
	primary := e.Providers.Primary()
	if e.RemoteName != "" {
		if p, err := e.Providers.Resolve(e.RemoteName); err == nil {
			primary = p
		}
	}

	fmt.Fprintln(e.Out, "Configured Remotes:")
	fmt.Fprintln(e.Out, "  Name             Type     Health       Remote                  Used")
	fmt.Fprintln(e.Out, "──────────────────────────────────────────────────────────────────────────")
	for _, p := range all {
		marker := " "
		if primary != nil && p.ID() == primary.ID() {
			marker = "*"
		}
		health := p.CheckHealth(ctx)

		used := "-"
		if ur, ok := p.(provider.UsageReporter); ok && health == provider.HealthStateHealthy {
			if usage, err := ur.GetUsage(ctx); err == nil {
				used = humanize.IBytes(uint64(usage.UsedBytes))
			}
		}

		display := p.DisplayName()
		if len(display) > 22 {
			display = display[:19] + "..."
		}
		fmt.Fprintf(e.Out, "%s %-16s %-8s %-12s %-23s %s\n", marker, p.ID(), p.Type(), health, display, used)
	}
	return nil
}

// RunJournal lists recent runs with their failed steps. Verbose lists
// every step.
func (e *Engine) RunJournal(ctx context.Context, limit int) error {
	ops, err := e.Journal.ListOperations(ctx, limit)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Fprintln(e.Out, "No runs recorded.")
		return nil
	}

	fmt.Fprintln(e.Out, "ID                                   Type   State      Steps  Failed  Started")
	fmt.Fprintln(e.Out, "─────────────────────────────────────────────────────────────────────────────────────")
	for _, op := range ops {
		fmt.Fprintf(e.Out, "%-36s %-6s %-10s %5d  %6d  %s\n",
			op.OperationID,
			op.OperationType,
			op.State,
			op.Steps,
			op.Failed,
			op.CreatedAt.Local().Format(core.DefaultDateFormat))

		if op.Failed == 0 && !e.Verbose {
			continue
		}
		steps, err := e.Journal.GetSteps(ctx, op.OperationID, !e.Verbose)
		if err != nil {
			return err
		}
		for _, s := range steps {
			line := fmt.Sprintf("    %s %s", s.Action, s.Dest)
			if s.Error != "" {
				line += ": " + s.Error
			}
			fmt.Fprintln(e.Out, line)
		}
	}

	// Runs left pending were interrupted before they could finish, so
	// their steps may have been only partly applied.
	pending, err := e.Journal.GetPendingOperations(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Fprintf(e.Out, "\n⚠ %d unfinished runs:\n", len(pending))
		for _, op := range pending {
			fmt.Fprintf(e.Out, "    %s %s started %s\n",
				op.OperationID,
				op.OperationType,
				op.CreatedAt.Local().Format(core.DefaultDateFormat))
		}
	}
	return nil
}

// RunCacheClear drops cached listings of the selected remote, or of all
// remotes when all is set.
func (e *Engine) RunCacheClear(ctx context.Context, all bool) error {
	remote := ""
	if !all {
		p, err := e.Providers.Resolve(e.RemoteName)
		if err != nil {
			return err
		}
		remote = p.ID()
	}

	if e.DryRun {
		fmt.Fprintln(e.Out, "[DRY-RUN] Would clear the listing cache")
		return nil
	}

	n, err := e.Cache.Clear(ctx, remote)
	if err != nil {
		return err
	}
	e.printf("✓ Cleared %d cached listings\n", n)
	return nil
}

// Complete returns completion candidates for a partially typed remote path.
// It never fails; problems yield no candidates.
func (e *Engine) Complete(ctx context.Context, partial string) []string {
	p, err := e.Providers.Resolve(e.RemoteName)
	if err != nil {
		return nil
	}
	lister := core.NewCachedLister(p, e.Cache, p.ID())
	return core.NewCompleter(lister).Complete(ctx, partial)
}

// ExitCode maps a command error to the process exit status: 2 for runs
// that completed with failed or skipped steps, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pf *core.PartialFailureError
	if errors.As(err, &pf) {
		return 2
	}
	return 1
}
