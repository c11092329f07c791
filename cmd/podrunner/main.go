// Command podrunner runs the pod job agent.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"podrunner/internal/controller"
	"podrunner/internal/endpoint"
	"podrunner/internal/executor"
	"podrunner/internal/lockstore"
	"podrunner/internal/logging"
	"podrunner/internal/podclient"
	"podrunner/internal/publisher"
	"podrunner/internal/scheduler"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "podrunner",
		Short: "Pod job agent",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, err := readFlags(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(flags.debugComponents)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return run(ctx, logger, flags)
		},
	}
	runCmd.Flags().String("pod-url", "", "pod base URL (overridden by --endpoint-file if set)")
	runCmd.Flags().String("pod-key", "", "pod API key")
	runCmd.Flags().String("device", "", "device label attached to lock/result digests")
	runCmd.Flags().String("node-name", "", "ingest route node name")
	runCmd.Flags().String("probe-id", "", "ingest route probe id")
	runCmd.Flags().String("probe-key", "", "ingest route probe key")
	runCmd.Flags().String("config-digest-id", "", "digest id of the job configuration blob")
	runCmd.Flags().StringSlice("config-tags", nil, "search tags for the job configuration digest")
	runCmd.Flags().Int("config-cache-minutes", 0, "job config cache TTL in minutes (0=never, -1=forever)")
	runCmd.Flags().String("endpoint-file", "", "path to a JSON endpoint file, live-reloaded; overrides the flags above when set")
	runCmd.Flags().String("lock-root", "./locks", "directory for local lockfiles")
	runCmd.Flags().Float64("requests-per-second", 5, "outbound pod HTTP request rate limit")
	runCmd.Flags().StringSlice("debug-component", nil, "component names (e.g. queue-worker, controller) to log at debug level")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	endpointFile      string
	staticEndpoint    endpoint.Config
	lockRoot          string
	requestsPerSecond float64
	debugComponents   []string
}

// newLogger builds the process-wide handler: a text handler to stderr with
// debug enabled for the named components and info for everything else.
func newLogger(debugComponents []string) *slog.Logger {
	overrides := make(map[string]slog.Level, len(debugComponents))
	for _, name := range debugComponents {
		overrides[name] = slog.LevelDebug
	}
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(logging.NewLevelHandler(baseHandler, slog.LevelInfo, overrides))
}

// readFlags collects every run flag into one struct, failing on the
// first lookup error (only possible if a flag name below is misspelled).
func readFlags(cmd *cobra.Command) (flags, error) {
	var (
		f   flags
		err error
	)
	str := func(name string) string {
		v, e := cmd.Flags().GetString(name)
		err = firstErr(err, e)
		return v
	}

	f.endpointFile = str("endpoint-file")
	f.lockRoot = str("lock-root")
	if f.requestsPerSecond, err = cmd.Flags().GetFloat64("requests-per-second"); err != nil {
		return f, err
	}
	cacheMinutes, e := cmd.Flags().GetInt("config-cache-minutes")
	err = firstErr(err, e)
	configTags, e := cmd.Flags().GetStringSlice("config-tags")
	err = firstErr(err, e)
	debugComponents, e := cmd.Flags().GetStringSlice("debug-component")
	err = firstErr(err, e)
	if err != nil {
		return f, err
	}
	f.debugComponents = debugComponents

	f.staticEndpoint = endpoint.Config{
		PodURL:         str("pod-url"),
		PodKey:         str("pod-key"),
		Device:         str("device"),
		NodeName:       str("node-name"),
		ProbeID:        str("probe-id"),
		ProbeKey:       str("probe-key"),
		ConfigDigestID: str("config-digest-id"),
		ConfigTags:     configTags,
		CacheMinutes:   cacheMinutes,
	}
	return f, err
}

func firstErr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}

func run(ctx context.Context, logger *slog.Logger, f flags) error {
	endpointProvider, err := resolveEndpoint(f, logger)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	if closer, ok := endpointProvider.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	locks, err := lockstore.New(lockstore.Config{Root: f.lockRoot, Logger: logger})
	if err != nil {
		return fmt.Errorf("open lock store: %w", err)
	}

	pub := publisher.New(publisher.Config{Logger: logger})

	sched, err := scheduler.New(logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Endpoint: endpointProvider,
		NewPodClient: func(ep endpoint.Config) controller.PodClient {
			return podclient.New(podclient.Config{
				PodURL:            ep.PodURL,
				PodKey:            ep.PodKey,
				RequestsPerSecond: f.requestsPerSecond,
				Logger:            logger,
			})
		},
		Locks:     locks,
		Executors: executor.Factories,
		Pub:       pub,
		Scheduler: sched,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	logger.Info("podrunner starting", "version", version, "lock_root", f.lockRoot)
	err = ctrl.Run(ctx)
	logger.Info("podrunner shut down")
	return err
}

func resolveEndpoint(f flags, logger *slog.Logger) (endpoint.Provider, error) {
	if f.endpointFile == "" {
		return endpoint.Static{Config: f.staticEndpoint}, nil
	}
	return endpoint.NewFileProvider(f.endpointFile, logger)
}
