package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ossforge/opforge/engine"
	"github.com/ossforge/opforge/internal/obslog"
	"github.com/ossforge/opforge/internal/opcache"
	"github.com/ossforge/opforge/internal/opgraph"
	"github.com/ossforge/opforge/internal/planfile"
	"github.com/ossforge/opforge/internal/watchfs"
	"github.com/ossforge/opforge/runners/noop"
	"github.com/ossforge/opforge/runners/shell"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opforge",
		Short: "opforge runs an operation DAG against a bounded worker pool",
		Long: `opforge schedules a plan file's operations by critical-path
priority across a fixed-width worker pool, resolving dependency edges as
each operation completes.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newCacheCommand())

	return cmd
}

func defaultCacheDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".opforge", "cache")
	}
	return ".opforge-cache"
}

// runnerFactory resolves a plan's declared runner name into a concrete
// opgraph.Runner. Only "shell" and "noop" are wired here; "registry" needs
// OCI credentials a plan file alone doesn't carry, so it's left to callers
// embedding opforge as a library.
func runnerFactory(spec planfile.OperationSpec) (opgraph.Runner, error) {
	switch spec.Runner {
	case "", "noop":
		return noop.New(spec.Name), nil
	case "shell":
		cmd := spec.Args["command"]
		r := shell.New(spec.Name, cmd)
		r.Dir = spec.Args["dir"]
		return r, nil
	default:
		return nil, fmt.Errorf("unknown runner %q for operation %q", spec.Runner, spec.Name)
	}
}

func newRunCommand() *cobra.Command {
	var (
		planPath string
		width    int
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan file once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := planfile.LoadAndCompile(planPath, runnerFactory)
			if err != nil {
				return err
			}

			logger := obslog.New(fmt.Sprintf("run-%d", time.Now().Unix()), os.Stdout, verbose)
			mgr := engine.NewExecutionManager(engine.ManagerConfig{
				Width:  width,
				Logger: logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := mgr.Execute(ctx, ops)
			if err != nil {
				return err
			}
			if result.Status == opgraph.StatusFailure || result.Status == opgraph.StatusCancelled {
				return fmt.Errorf("run finished with status %s", result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&planPath, "plan", "p", "opforge.yaml", "Path to the plan file")
	cmd.Flags().IntVarP(&width, "width", "w", engine.WidthDefault, "Worker-lane count (0 = CPU count, -1 = unlimited)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Emit verbose per-operation log lines")

	return cmd
}

func newWatchCommand() *cobra.Command {
	var (
		planPath string
		width    int
		verbose  bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run a plan file whenever it (or its build context) changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := obslog.New("watch", os.Stdout, verbose)
			mgr := engine.NewExecutionManager(engine.ManagerConfig{
				Width:  width,
				Logger: logger,
			})

			planner := filePlanner{path: planPath}

			fsWatcher, err := watchfs.New(debounce, filepath.Dir(planPath))
			if err != nil {
				return fmt.Errorf("failed to start filesystem watcher: %w", err)
			}
			defer fsWatcher.Close()

			loop := engine.NewWatchLoop(mgr, planner, fsWatcher, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = loop.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&planPath, "plan", "p", "opforge.yaml", "Path to the plan file")
	cmd.Flags().IntVarP(&width, "width", "w", engine.WidthDefault, "Worker-lane count (0 = CPU count, -1 = unlimited)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Emit verbose per-operation log lines")
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "Quiet period before a burst of file events is treated as one change")

	return cmd
}

// filePlanner implements engine.Planner by recompiling the plan file fresh
// on every call, so watch mode always schedules against the file's current
// contents.
type filePlanner struct {
	path string
}

func (p filePlanner) Plan() ([]*opgraph.Operation, error) {
	return planfile.LoadAndCompile(p.path, runnerFactory)
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the build cache",
	}

	cmd.AddCommand(newCacheInfoCommand())
	cmd.AddCommand(newCachePruneCommand())

	return cmd
}

func newCacheInfoCommand() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cacheDir == "" {
				cacheDir = defaultCacheDir()
			}

			cache, err := opcache.New(cacheDir, opcache.DefaultPruneStrategy())
			if err != nil {
				return err
			}
			info, err := cache.Info()
			if err != nil {
				return fmt.Errorf("failed to get cache info: %w", err)
			}

			fmt.Printf("Cache Directory: %s\n", cacheDir)
			fmt.Printf("Total Size: %s\n", formatBytes(info.TotalSize))
			fmt.Printf("Entries: %d\n", info.Entries)
			fmt.Printf("Hit Rate: %.2f%%\n", info.HitRate*100)
			fmt.Printf("Hits: %d\n", info.Hits)
			fmt.Printf("Misses: %d\n", info.Misses)

			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (default: ~/.opforge/cache)")

	return cmd
}

func newCachePruneCommand() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict cache entries past their age, size, or count limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cacheDir == "" {
				cacheDir = defaultCacheDir()
			}

			cache, err := opcache.New(cacheDir, opcache.DefaultPruneStrategy())
			if err != nil {
				return err
			}

			before, err := cache.Info()
			if err != nil {
				return fmt.Errorf("failed to get cache info: %w", err)
			}

			if err := cache.Prune(); err != nil {
				return fmt.Errorf("failed to prune cache: %w", err)
			}

			after, err := cache.Info()
			if err != nil {
				return fmt.Errorf("failed to get cache info after prune: %w", err)
			}

			fmt.Printf("Cache pruned.\n")
			fmt.Printf("Removed %d entries, freed %s\n", before.Entries-after.Entries, formatBytes(before.TotalSize-after.TotalSize))
			fmt.Printf("Remaining: %d entries, %s\n", after.Entries, formatBytes(after.TotalSize))

			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Cache directory (default: ~/.opforge/cache)")

	return cmd
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func init() {
	cobra.OnInitialize(func() {
		if os.Getenv("OPFORGE_DEBUG") != "" {
			fmt.Fprintf(os.Stderr, "opforge debug mode enabled\n")
		}
	})
}
