package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/lifetrace-ai/lifetrace/pkg/config"
	"github.com/lifetrace-ai/lifetrace/pkg/server"
	"github.com/lifetrace-ai/lifetrace/pkg/timeline"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

const appName = "lifetrace"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	fmt.Printf("  Go: %s\n", runtime.Version())
}

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Timeline memory service: fuse multimodal observations, answer questions about your day",
		Long: strings.TrimSpace(`lifetrace ingests per-fragment observations from speech, OCR, object
and caption producers, fuses them into a timeline of memory events, and
answers natural-language questions against that timeline.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newAskCommand(&configPath))
	root.AddCommand(newRebuildCommand(&configPath))
	root.AddCommand(newPurgeCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lifetrace", "config.json")
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openService(configPath string, debug bool) (*timeline.Service, *config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(debug)
	svc, err := timeline.NewService(serviceConfig(cfg), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return svc, cfg, logger, nil
}

func serviceConfig(cfg *config.Config) timeline.ServiceConfig {
	return timeline.ServiceConfig{
		Workspace:  cfg.WorkspacePath(),
		EmbedModel: cfg.Query.EmbeddingModel,
		Fuser: timeline.FuserConfig{
			MergeGap:           cfg.MergeGap(),
			OverlapFraction:    cfg.Fusion.OverlapFraction,
			MinLabelConfidence: cfg.Fusion.MinLabelConfidence,
			SummaryMaxLen:      cfg.Fusion.SummaryMaxLen,
		},
		Retriever: timeline.RetrieverConfig{
			TopK:           cfg.Query.TopK,
			CandidateLimit: cfg.Query.CandidateLimit,
		},
		Composer: timeline.ComposerConfig{
			ConfidenceThreshold: cfg.Query.ConfidenceThreshold,
			MaxCandidates:       cfg.Query.MaxCandidates,
		},
		FusionWorkers:     cfg.Fusion.Workers,
		FuseRetries:       cfg.Fusion.Retries,
		FuseBackoff:       cfg.FuseBackoff(),
		FreezeAfter:       cfg.FreezeAfter(),
		AnswerCacheTTL:    cfg.AnswerCacheTTL(),
		BusCapacity:       cfg.Fusion.BusCapacity,
		SweepPoll:         cfg.SweepPoll(),
		RetentionSchedule: cfg.Sweep.RetentionSchedule,
		RetentionHorizon:  cfg.RetentionHorizon(),
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP ingestion and query server",
		Example: "  lifetrace serve\n  lifetrace serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, logger, err := openService(*configPath, debug)
			if err != nil {
				return err
			}
			defer svc.Close()

			srv := server.New(svc, logger)
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe(addr)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
				return nil
			}
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newAskCommand(configPath *string) *cobra.Command {
	var (
		question string
		debug    bool
	)

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask a question against recorded memory",
		Example: strings.Join([]string{
			"  lifetrace ask",
			"  lifetrace ask --question \"how much did the shoes cost?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := openService(*configPath, debug)
			if err != nil {
				return err
			}
			defer svc.Close()

			if strings.TrimSpace(question) != "" {
				return askOnce(svc, question)
			}
			interactiveMode(svc)
			return nil
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "One-shot question")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func askOnce(svc *timeline.Service, question string) error {
	ans, err := svc.Ask(context.Background(), question, time.Now())
	if err != nil {
		return err
	}
	printAnswer(ans)
	return nil
}

func printAnswer(ans timeline.Answer) {
	fmt.Printf("\n%s %s\n", appName, ans.Text)
	fmt.Printf("  confidence: %.2f\n", ans.Confidence)
	for _, ev := range ans.Evidence {
		fmt.Printf("  - [%s] %s (%.2f)\n", ev.Start.Format("15:04"), ev.Summary, ev.Score)
	}
	fmt.Println()
}

func interactiveMode(svc *timeline.Service) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".lifetrace_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		if err := askOnce(svc, input); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func newRebuildCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "rebuild",
		Short:   "Rebuild the semantic and keyword indexes from the event log",
		Example: "  lifetrace rebuild",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, logger, err := openService(*configPath, false)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Rebuild(context.Background()); err != nil {
				return err
			}
			logger.Info("indexes rebuilt")
			return nil
		},
	}
}

func newPurgeCommand(configPath *string) *cobra.Command {
	var (
		days int
		all  bool
	)

	cmd := &cobra.Command{
		Use:     "purge",
		Short:   "Delete memory events, either everything or events older than N days",
		Example: "  lifetrace purge --days 90\n  lifetrace purge --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && days <= 0 {
				return fmt.Errorf("set --days N or --all")
			}
			svc, _, _, err := openService(*configPath, false)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := context.Background()
			var n int
			if all {
				n, err = svc.DeleteAll(ctx)
			} else {
				cutoff := time.Now().AddDate(0, 0, -days)
				n, err = svc.DeleteRange(ctx, time.UnixMilli(0), cutoff)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d events\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Delete events older than this many days")
	cmd.Flags().BoolVar(&all, "all", false, "Delete all events")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}
