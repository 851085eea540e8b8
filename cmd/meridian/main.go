package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/meridian-search/meridian/internal/chunker"
	"github.com/meridian-search/meridian/internal/embedpool"
	"github.com/meridian-search/meridian/internal/embedworker"
	"github.com/meridian-search/meridian/internal/equeue"
	"github.com/meridian-search/meridian/internal/filequeue"
	"github.com/meridian-search/meridian/internal/logging"
	"github.com/meridian-search/meridian/internal/orchestrator"
	"github.com/meridian-search/meridian/internal/parser"
	"github.com/meridian-search/meridian/internal/search"
	"github.com/meridian-search/meridian/internal/store"
	"github.com/meridian-search/meridian/internal/watcher"
)

var (
	defaultModelDir  = "./models"
	defaultDataDir   = ".meridian"
	defaultOrtLib    = "./lib/onnxruntime.so"
	defaultThreads   = 0
	embedWorkerArgv0 = "__embed-worker"
)

func main() {
	// The embed-worker subcommand is never reached through cobra: the
	// pool re-execs this same binary with embedWorkerArgv0 as argv[1]
	// and talks the embedworker protocol over stdin/stdout, so it must
	// be intercepted before cobra parses flags.
	if len(os.Args) > 1 && os.Args[1] == embedWorkerArgv0 {
		if err := embedworker.Run(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	root := &cobra.Command{
		Use:   "meridian",
		Short: "Local semantic search for personal documents",
		Long:  "meridian — offline semantic document search powered by BGE-small-en-v1.5 and HNSW.",
	}

	var cfgFile struct {
		ModelDir string `toml:"model-dir"`
		OrtLib   string `toml:"ort-lib"`
		Threads  int    `toml:"threads"`
	}
	if b, err := os.ReadFile(".meridian.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfgFile); err == nil {
			if cfgFile.ModelDir != "" {
				defaultModelDir = cfgFile.ModelDir
			}
			if cfgFile.OrtLib != "" {
				defaultOrtLib = cfgFile.OrtLib
			}
			if cfgFile.Threads > 0 {
				defaultThreads = cfgFile.Threads
			}
		}
	}

	var modelDir, ortLib, dataDir string
	var numThreads int
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing ONNX model files")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime.so (auto-detected if empty)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir, "directory holding the sqlite index and config")
	root.PersistentFlags().IntVar(&numThreads, "threads", defaultThreads, "ONNX intra-op thread count (0 = auto, capped at 4)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(logging.FromEnv(filepath.Join(dataDir, "logs")))
		return nil
	}

	resolveOrtLib := func(flag string) string {
		if flag != "" {
			return flag
		}
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "lib", "onnxruntime.so")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return ""
	}

	root.AddCommand(newServeCmd(&modelDir, &ortLib, &numThreads, &dataDir, resolveOrtLib))
	root.AddCommand(newIndexCmd(&modelDir, &ortLib, &numThreads, &dataDir, resolveOrtLib))
	root.AddCommand(newSearchCmd(&modelDir, &ortLib, &numThreads, &dataDir, resolveOrtLib))
	root.AddCommand(newWatchCmd(&modelDir, &ortLib, &numThreads, &dataDir, resolveOrtLib))
	root.AddCommand(newStatsCmd(&dataDir))
	root.AddCommand(newClearCmd(&dataDir))
	root.AddCommand(newRebuildCmd(&modelDir, &ortLib, &numThreads, &dataDir, resolveOrtLib))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles the components a one-shot CLI invocation needs: a
// store, an embedder pool, and the two processing queues in front of
// it. serve doesn't use this — it goes through orchestrator.Orchestrator
// instead, which owns the same wiring behind the host IPC protocol.
type engine struct {
	store      *store.Store
	pool       *embedpool.Pool
	embedQueue *equeue.Queue
	fileQueue  *filequeue.Queue
	registry   *parser.Registry
	search     *search.Service
}

func openEngine(ctx context.Context, modelDir, ortLib string, numThreads int, dataDir string) (*engine, error) {
	fmt.Fprint(os.Stderr, "Loading model… ")

	registry := parser.NewRegistry(parser.Options{})

	st, err := store.Open(ctx, store.Options{
		DBPath:    filepath.Join(dataDir, "index.db"),
		GraphPath: filepath.Join(dataDir, "index.hnsw"),
		Dim:       384,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "")
		return nil, fmt.Errorf("opening store: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("resolving own executable path: %w", err)
	}

	var eq *equeue.Queue
	pool, err := embedpool.New(ctx, embedpool.Options{
		WorkerArgs: []string{exe, embedWorkerArgv0},
		ModelDir:   modelDir,
		OrtLibPath: ortLib,
		NumThreads: numThreads,
		Logger:     slog.Default(),
		OnWorkerRestart: func(idx int) {
			if eq != nil {
				eq.OnWorkerRestart(idx)
			}
		},
	})
	if err != nil {
		st.Close()
		fmt.Fprintln(os.Stderr, "")
		return nil, err
	}
	fmt.Fprintln(os.Stderr, "ready.")

	eq = equeue.New(equeue.Options{
		Pool:                 pool,
		Writer:               st,
		MaxConcurrentBatches: pool.NumWorkers(),
		Logger:               slog.Default(),
	})
	fq := filequeue.New(filequeue.Options{
		Registry:  registry,
		ChunkOpts: chunker.DefaultOptions(),
		Store:     st,
		Embed:     eq,
		Logger:    slog.Default(),
	})

	return &engine{
		store:      st,
		pool:       pool,
		embedQueue: eq,
		fileQueue:  fq,
		registry:   registry,
		search:     search.New(pool, st),
	}, nil
}

func (e *engine) close() error {
	e.fileQueue.Close()
	e.embedQueue.Close()
	poolErr := e.pool.Close()
	storeErr := e.store.Close()
	if poolErr != nil {
		return poolErr
	}
	return storeErr
}

// indexDirs scans dirs and submits every eligible file to the file
// queue. It returns once the scans finish, without waiting for the
// queues to drain; the queued work drains when the engine is closed. A
// hard-exit goroutine races ctx during the scans so Ctrl+C always
// terminates the process rather than hanging on a stuck parse.
func indexDirs(ctx context.Context, e *engine, dirs []string) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nstopping — waiting up to 2s for in-flight work to finish…")
			select {
			case <-done:
				return
			case <-time.After(2 * time.Second):
				fmt.Fprintln(os.Stderr, "exiting.")
				os.Exit(130)
			}
		}
	}()

	w, err := watcher.New(watcher.Options{
		Registry: e.registry,
		Excludes: watcher.NewExcludeMatcher(nil),
		Queue:    e.fileQueue,
		Deleter:  deleterFunc(func(path string) error { return e.store.DeleteFile(ctx, path) }),
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
		if err := w.Scan(dir); err != nil {
			if isInterrupted(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

type deleterFunc func(path string) error

func (f deleterFunc) DeleteFile(path string) error { return f(path) }

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func newIndexCmd(modelDir, ortLib *string, numThreads *int, dataDir *string, resolveOrtLib func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "index <dir> [dir...]",
		Short: "Index all supported documents in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(ctx, *modelDir, resolveOrtLib(*ortLib), *numThreads, *dataDir)
			if err != nil {
				return err
			}
			defer e.close()

			if err := indexDirs(ctx, e, args); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Done.")
			return nil
		},
	}
}

func newSearchCmd(modelDir, ortLib *string, numThreads *int, dataDir *string, resolveOrtLib func(string) string) *cobra.Command {
	var jsonOut bool
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a one-shot natural-language search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			query := strings.Join(args, " ")

			e, err := openEngine(ctx, *modelDir, resolveOrtLib(*ortLib), *numThreads, *dataDir)
			if err != nil {
				return err
			}
			defer e.close()

			results, err := e.search.Query(ctx, query, k)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if jsonOut {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonOut {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				fmt.Printf("%2d  %.3f  %s:%d\n    %s\n\n", i+1, r.Score, r.Path, r.Page, r.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output results as JSON")
	cmd.Flags().IntVar(&k, "k", 10, "number of results to return")
	return cmd
}

func newWatchCmd(modelDir, ortLib *string, numThreads *int, dataDir *string, resolveOrtLib func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index a directory then watch it for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(ctx, *modelDir, resolveOrtLib(*ortLib), *numThreads, *dataDir)
			if err != nil {
				return err
			}
			defer e.close()

			if err := indexDirs(ctx, e, args); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Watching for changes… (Ctrl+C to stop)")

			w, err := watcher.New(watcher.Options{
				Registry: e.registry,
				Excludes: watcher.NewExcludeMatcher(nil),
				Queue:    e.fileQueue,
				Deleter:  deleterFunc(func(path string) error { return e.store.DeleteFile(ctx, path) }),
				Logger:   slog.Default(),
			})
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()
			for _, dir := range args {
				dir := dir
				go func() {
					if err := w.Watch(dir, done); err != nil {
						fmt.Fprintf(os.Stderr, "watch error %s: %v\n", dir, err)
					}
				}()
			}
			<-done
			return nil
		},
	}
}

func newStatsCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := store.Open(ctx, store.Options{
				DBPath:    filepath.Join(*dataDir, "index.db"),
				GraphPath: filepath.Join(*dataDir, "index.hnsw"),
				Dim:       384,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.ComputeStats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("chunks:  %d\n", s.TotalChunks)
			fmt.Printf("files:   %d\n", s.IndexedFiles)
			for folder, n := range s.PerFolderCount {
				fmt.Printf("  %-40s %d\n", folder, n)
			}
			return nil
		},
	}
}

func newClearCmd(dataDir *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the local index",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*dataDir); os.IsNotExist(err) {
				fmt.Println("No index found — nothing to clear.")
				return nil
			}
			if !force {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", *dataDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(*dataDir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt")
	return cmd
}

func newRebuildCmd(modelDir, ortLib *string, numThreads *int, dataDir *string, resolveOrtLib func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <dir> [dir...]",
		Short: "Mark every indexed file as outdated and reindex from scratch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := openEngine(ctx, *modelDir, resolveOrtLib(*ortLib), *numThreads, *dataDir)
			if err != nil {
				return err
			}
			defer e.close()

			statuses, err := e.store.AllFileStatus(ctx)
			if err != nil {
				return err
			}
			for _, fs := range statuses {
				if err := e.store.MarkOutdated(ctx, fs.Path); err != nil {
					return err
				}
			}

			if err := indexDirs(ctx, e, args); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Done.")
			return nil
		},
	}
}

func newServeCmd(modelDir, ortLib *string, numThreads *int, dataDir *string, resolveOrtLib func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:    "serve",
		Short:  "Run the host IPC loop over stdin/stdout (spawned by a front-end process)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving own executable path: %w", err)
			}
			o := orchestrator.New(orchestrator.Options{
				SelfExePath: exe,
				NumThreads:  *numThreads,
				Logger:      slog.Default(),
			})
			return o.Run(context.Background(), os.Stdin, os.Stdout)
		},
	}
}
