// conductor-server is the orchestrator daemon: it accepts client channels
// over WebSocket, plans and executes natural-language tasks with local
// models, and drives remote tool calls back over the same channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"conductor/internal/agent"
	"conductor/internal/channel"
	"conductor/internal/config"
	"conductor/internal/correlate"
	"conductor/internal/dispatch"
	conderrors "conductor/internal/errors"
	"conductor/internal/filecache"
	"conductor/internal/graph"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/server"
	"conductor/internal/task"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "conductor-server",
		Short:         "LLM task orchestrator for remote tool-running clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("listen-addr", config.DefaultListenAddr, "HTTP/WebSocket listen address")
	flags.String("llm-base-url", config.DefaultLLMBaseURL, "Ollama-compatible backend base URL")
	flags.String("planner-model", config.DefaultPlannerModel, "model used for planning")
	flags.String("executor-model", config.DefaultExecutorModel, "model used for execution steps")
	flags.String("checker-command", config.DefaultCheckerCommand, "external syntax checker invocation")
	flags.Bool("verbose", false, "enable debug logging and request logs")
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("conductor-server %s\n", version)
		},
	})
	return cmd
}

// loadConfig layers defaults, the optional YAML file, CONDUCTOR_*
// environment variables, and explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command) (config.RuntimeConfig, error) {
	opts := []config.Option{}
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithFile(path))
	}
	opts = append(opts, config.WithOverride(func(cfg *config.RuntimeConfig) {
		flags := cmd.Flags()
		if flags.Changed("listen-addr") {
			cfg.ListenAddr = viper.GetString("listen-addr")
		}
		if flags.Changed("llm-base-url") {
			cfg.LLMBaseURL = viper.GetString("llm-base-url")
		}
		if flags.Changed("planner-model") {
			cfg.PlannerModel = viper.GetString("planner-model")
		}
		if flags.Changed("executor-model") {
			cfg.ExecutorModel = viper.GetString("executor-model")
		}
		if flags.Changed("checker-command") {
			cfg.CheckerCommand = viper.GetString("checker-command")
		}
		if flags.Changed("verbose") {
			cfg.Verbose = viper.GetBool("verbose")
		}
	}))
	return config.Load(opts...)
}

func run(parent context.Context, cfg config.RuntimeConfig) error {
	if cfg.Verbose {
		logging.SetLevel(logging.LevelDebug)
	}
	logger := logging.NewComponentLogger("server")
	printBanner(cfg)

	metrics := observability.NewMetrics()
	store := task.NewStore(cfg.MaxConsecutiveErrors, logging.NewComponentLogger("task"))
	channels := channel.NewRegistry(cfg.OutboundQueueSize, logging.NewComponentLogger("channel"))
	correlator := correlate.NewRegistry(logging.NewComponentLogger("correlate"))
	engine := filecache.NewEngine(cfg.CheckerCommand, logging.NewComponentLogger("filecache"))

	dispatcher := dispatch.NewDispatcher(store, channels, correlator, engine, metrics, dispatch.Config{
		CallTimeout:     cfg.RemoteCallTimeout(),
		ExecTimeout:     cfg.RemoteExecTimeout(),
		ToolResultLimit: cfg.ToolResultLimit,
	}, logging.NewComponentLogger("dispatch"))

	llmConfig := llm.Config{BaseURL: cfg.LLMBaseURL, Timeout: cfg.LLMTimeout()}
	retryConfig := conderrors.DefaultRetryConfig()
	plannerClient := llm.NewRetryClient(llm.NewOllamaClient(cfg.PlannerModel, llmConfig), retryConfig)
	executorClient := llm.NewRetryClient(llm.NewOllamaClient(cfg.ExecutorModel, llmConfig), retryConfig)

	runner := graph.NewRunner(store, channels, correlator, dispatcher,
		agent.NewModelPlanner(plannerClient, logging.NewComponentLogger("planner")),
		agent.NewModelExecutor(executorClient, logging.NewComponentLogger("executor"), cfg.HistoryWindow, cfg.HistoryTokenBudget),
		metrics,
		graph.Config{
			MaxSteps:        cfg.MaxSteps,
			ToolResultLimit: cfg.ToolResultLimit,
			Profiles:        cfg.Profiles,
		}, logging.NewComponentLogger("graph"))
	channels.SetDisconnectHook(runner.HandleDisconnect)

	server.Version = version
	srv := server.New(cfg, store, channels, runner, metrics, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down, draining task goroutines")
		runner.Shutdown()
		return nil
	})
	return group.Wait()
}

func printBanner(cfg config.RuntimeConfig) {
	heading := color.New(color.FgCyan, color.Bold)
	heading.Printf("conductor-server %s\n", version)
	fmt.Printf("  listen:   %s\n", cfg.ListenAddr)
	fmt.Printf("  backend:  %s\n", cfg.LLMBaseURL)
	fmt.Printf("  planner:  %s\n", cfg.PlannerModel)
	fmt.Printf("  executor: %s\n", cfg.ExecutorModel)
	fmt.Printf("  profiles: %d\n", len(cfg.Profiles))
}
