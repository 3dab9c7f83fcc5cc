// Package cli implements the gdrive command-line interface.
// Remote paths are always absolute within the selected remote; local
// paths are relative to the working directory.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wjurkowlaniec/gdrive/internal/config"
	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/metrics"
)

var (
	// Global flags
	verbose     bool
	quiet       bool
	cfgFile     string
	dryRun      bool
	remoteName  string
	concurrency int

	v      = viper.New()
	cfg    *config.Config
	engine *Engine
)

// rootCmd is the base command for gdrive.
var rootCmd = &cobra.Command{
	Use:   "gdrive",
	Short: "Browse and transfer files between a cloud drive and the local disk",
	Long: `gdrive works with a remote hierarchy of folders and files.

It provides:
  • tree, to browse the remote
  • pull and push, to copy files and folders in either direction
  • mkdir and rm, to manage remote folders and files
  • Shell completion of remote paths

Remotes are rclone remotes, S3 buckets or local directories, configured in
~/.gdrive/config.yaml. Paths may end with a glob in the last segment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the error of the command that
// ran. Use ExitCode to turn it into a process status.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := rootCmd.ExecuteContextC(ctx)

	if cmd != nil && engine != nil {
		metrics.RecordRun(cmd.Name(), ExitCode(err))
		if cfg.MetricsFile != "" {
			if werr := metrics.WriteTextfile(cfg.MetricsFile); werr != nil {
				logging.Warn("failed to write metrics", logging.Err(werr))
			}
		}
	}
	if engine != nil {
		engine.Close()
	}
	_ = logging.Sync()
	return err
}

func init() {
	// Global flags available to all commands
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $HOME/.gdrive/config.yaml)")
	pf.StringVar(&remoteName, "remote", "", "Remote to use (default from config)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	pf.BoolVar(&dryRun, "dry-run", false, "Show what would be done without doing it")
	pf.IntVarP(&concurrency, "concurrency", "j", 0, "Number of parallel transfers")

	bindFlags(pf, map[string]string{
		"remote":      "remote",
		"concurrency": "concurrency",
	})

	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(remotesCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(cacheCmd)
}

// bindFlags maps config keys to flags, so a flag that is set wins over the
// environment and the config file.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// setupEngine loads the configuration, initializes logging and opens the
// engine. It runs once per process.
func setupEngine(ctx context.Context) (*Engine, error) {
	if engine != nil {
		return engine, nil
	}

	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: cfg.Log.File}
	switch {
	case verbose:
		logCfg.Level = "debug"
	case quiet:
		logCfg.Level = "error"
	}
	if err := logging.Init(logCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Debug("configuration loaded",
		logging.String("file", cfg.File),
		logging.String("remote", cfg.Remote),
		logging.Int("concurrency", cfg.Concurrency))

	e, err := InitEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.Verbose = verbose
	e.Quiet = quiet
	e.DryRun = dryRun
	engine = e
	return engine, nil
}

// withEngine adapts an engine method to a cobra RunE.
func withEngine(run func(ctx context.Context, e *Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := setupEngine(ctx)
		if err != nil {
			return err
		}
		return run(ctx, e, args)
	}
}

// completeRemote completes the first maxArgs positional arguments as
// remote paths; later arguments fall back to file completion.
func completeRemote(maxArgs int) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if maxArgs >= 0 && len(args) >= maxArgs {
			return nil, cobra.ShellCompDirectiveDefault
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := setupEngine(ctx)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return e.Complete(ctx, toComplete), cobra.ShellCompDirectiveNoSpace | cobra.ShellCompDirectiveNoFileComp
	}
}

var treeDepth int

var treeCmd = &cobra.Command{
	Use:               "tree [remote-path]",
	Short:             "Show the remote hierarchy",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeRemote(1),
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		path := "/"
		if len(args) > 0 {
			path = args[0]
		}
		return e.RunTree(ctx, path, treeDepth)
	}),
}

var pullOpts PullOptions

var pullCmd = &cobra.Command{
	Use:   "pull <remote-source> [local-dest]",
	Short: "Download files from the remote",
	Long: `Download files from the remote into a local directory.

Without flags a directory source downloads only the files directly in it.
-r copies the directory itself with everything below it, -f copies
everything below it directly into the destination.`,
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: completeRemote(1),
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		dest := ""
		if len(args) > 1 {
			dest = args[1]
		}
		return e.RunPull(ctx, args[0], dest, pullOpts)
	}),
}

var pushOpts PushOptions

var pushCmd = &cobra.Command{
	Use:   "push <local-source>... <remote-dest>",
	Short: "Upload files to the remote",
	Long: `Upload local files and directories to the remote.

A destination that does not exist is created. With several sources the
destination is always a directory.`,
	Args: cobra.MinimumNArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		// The remote destination comes last, so it cannot be told apart
		// from a local source until it is typed.
		return nil, cobra.ShellCompDirectiveDefault
	},
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		return e.RunPush(ctx, args[:len(args)-1], args[len(args)-1], pushOpts)
	}),
}

var mkdirCmd = &cobra.Command{
	Use:               "mkdir <remote-path>",
	Short:             "Create a remote directory",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeRemote(1),
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		return e.RunMkdir(ctx, args[0])
	}),
}

var (
	rmRecursive bool
	rmForce     bool
)

var rmCmd = &cobra.Command{
	Use:               "rm <remote-path>...",
	Short:             "Delete remote files or directories",
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completeRemote(-1),
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		return e.RunRm(ctx, args, rmRecursive, rmForce)
	}),
}

var remotesCmd = &cobra.Command{
	Use:   "remotes",
	Short: "List configured remotes",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		return e.RunRemotes(ctx)
	}),
}

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recent runs and their failed steps",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		return e.RunJournal(ctx, journalLimit)
	}),
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the remote listing cache",
}

var cacheClearAll bool

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached listings",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *Engine, args []string) error {
		return e.RunCacheClear(ctx, cacheClearAll)
	}),
}

func init() {
	treeCmd.Flags().IntVar(&treeDepth, "depth", -1, "Maximum depth to show (-1 for unlimited)")

	pullCmd.Flags().BoolVarP(&pullOpts.Recursive, "recursive", "r", false, "Download directories with their contents")
	pullCmd.Flags().BoolVarP(&pullOpts.Full, "full", "f", false, "Download everything below the source into the destination")
	pullCmd.Flags().BoolVar(&pullOpts.Overwrite, "overwrite", false, "Overwrite existing files without asking")
	pullCmd.MarkFlagsMutuallyExclusive("recursive", "full")

	pushCmd.Flags().BoolVarP(&pushOpts.Recursive, "recursive", "r", false, "Upload directories with their contents")
	pushCmd.Flags().BoolVarP(&pushOpts.Overwrite, "overwrite", "y", false, "Overwrite existing files without asking")
	pushCmd.Flags().StringVar(&pushOpts.MimeType, "mime", "", "Content type for uploaded files")

	rmCmd.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "Delete directories with their contents")
	rmCmd.Flags().BoolVar(&rmForce, "force", false, "Do not ask for confirmation")

	journalCmd.Flags().IntVar(&journalLimit, "limit", 20, "Number of runs to show")

	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "Clear listings of every remote")
	cacheCmd.AddCommand(cacheClearCmd)
}
