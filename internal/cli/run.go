package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hermesproj/hermes/internal/channel"
	"github.com/hermesproj/hermes/internal/channel/chat"
	"github.com/hermesproj/hermes/internal/channel/maildir"
	"github.com/hermesproj/hermes/internal/config"
	"github.com/hermesproj/hermes/internal/dispatch"
	"github.com/hermesproj/hermes/internal/executor"
	"github.com/hermesproj/hermes/internal/journal"
	"github.com/hermesproj/hermes/internal/refiner"
	"github.com/hermesproj/hermes/internal/reply"
	"github.com/hermesproj/hermes/internal/store"
	"github.com/hermesproj/hermes/internal/transcript"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration engine",
	Long: `Start the orchestration engine: recover pending tasks from the store,
listen on the configured channels, and process tasks until interrupted.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outWriter := cmd.OutOrStdout()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return err
	}

	logger.Info("loaded configuration", "path", cfgPath)

	if err := cfg.Validate(); err != nil {
		return err
	}

	// All relative paths resolve against the directory containing hermes.json
	baseDir := filepath.Dir(cfgPath)
	workDir := resolvePath(baseDir, cfg.WorkDir)
	stateDir := resolvePath(baseDir, cfg.StateDir)

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	logger.Info("engine directories", "work_dir", workDir, "state_dir", stateDir)

	jnl, err := journal.Open(filepath.Join(stateDir, "journal.ndjson"), logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jnl.Close()

	st, err := store.Open(filepath.Join(stateDir, "tasks.db"), cfg.DedupWindow(), logger)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer st.Close()
	st.SetJournal(jnl)

	adapters, err := buildAdapters(cfg, baseDir, logger)
	if err != nil {
		return err
	}

	ref, err := buildRefiner(cfg, logger)
	if err != nil {
		return err
	}

	gateway := executor.New(cfg.Executor.Cmd, workDir, stateDir, cfg.Executor.OutputMaxBytes, logger)

	router := reply.New(st, adapters, cfg.Reply.MaxAttempts, cfg.ReplyBackoff(), logger)

	dispatcher := dispatch.New(st, ref, gateway, router, dispatch.Config{
		ExecDeadline: cfg.ExecTimeout(),
		VerifyWindow: cfg.VerifyWindow(),
	}, logger)
	dispatcher.SetTranscriptFormatter(transcript.NewFormatter(), func(line string) {
		fmt.Fprintln(outWriter, line)
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, adapter := range adapters {
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", adapter.Channel(), err)
		}
		logger.Info("channel started", "channel", adapter.Channel())

		wg.Add(1)
		go func(a channel.Adapter) {
			defer wg.Done()
			funnel(ctx, a, dispatcher, logger)
		}(adapter)
	}

	logger.Info("engine running", "channels", len(adapters))

	err = dispatcher.Run(ctx)
	wg.Wait()

	if errors.Is(err, context.Canceled) {
		logger.Info("engine stopped")
		return nil
	}
	return err
}

// funnel forwards one adapter's requests into the dispatcher until the
// adapter closes its stream
func funnel(ctx context.Context, a channel.Adapter, d *dispatch.Dispatcher, logger *slog.Logger) {
	for req := range a.Requests() {
		if err := d.Submit(ctx, req); err != nil {
			logger.Error("failed to submit request",
				"channel", req.SourceChannel, "target", req.ReplyTarget, "error", err)
		}
	}
}

func buildAdapters(cfg *config.Config, baseDir string, logger *slog.Logger) ([]channel.Adapter, error) {
	var adapters []channel.Adapter

	if cfg.Channels.Maildir.Enabled {
		adapters = append(adapters, maildir.New(
			resolvePath(baseDir, cfg.Channels.Maildir.InboxDir),
			resolvePath(baseDir, cfg.Channels.Maildir.OutboxDir),
			cfg.Channels.Maildir.PollInterval(),
			logger,
		))
	}

	if cfg.Channels.Chat.Enabled {
		adapters = append(adapters, chat.New(
			cfg.Channels.Chat.ListenAddr,
			cfg.Channels.Chat.SendURL,
			logger,
		))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no channel enabled in configuration")
	}
	return adapters, nil
}

func buildRefiner(cfg *config.Config, logger *slog.Logger) (refiner.Refiner, error) {
	if !cfg.Refiner.Enabled {
		logger.Info("refiner disabled, requests pass through normalization only")
		return refiner.Passthrough{}, nil
	}

	apiKey := os.Getenv(cfg.Refiner.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("refiner is enabled but environment variable %s is not set\n\nHint: export %s=<key>, or set \"refiner\": {\"enabled\": false} in hermes.json",
			cfg.Refiner.APIKeyEnv, cfg.Refiner.APIKeyEnv)
	}

	return refiner.NewOpenAIRefiner(apiKey, cfg.Refiner.BaseURL, cfg.Refiner.Model, logger), nil
}

// loadOrCreateConfig finds an existing config or creates a new one.
// It walks up the directory tree and creates a default in CWD if not found.
func loadOrCreateConfig(configPath string, logger *slog.Logger) (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}

	foundPath, err := findConfigInTree()
	if err != nil {
		return nil, "", err
	}

	if foundPath != "" {
		logger.Info("found existing config", "path", foundPath)
		cfg, err := config.LoadFromFile(foundPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, foundPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get current directory: %w", err)
	}

	defaultPath := filepath.Join(cwd, "hermes.json")
	logger.Info("no config found, creating default", "path", defaultPath)

	cfg := config.GenerateDefault()
	if err := cfg.SaveToFile(defaultPath); err != nil {
		return nil, "", fmt.Errorf("failed to save default config: %w", err)
	}

	return cfg, defaultPath, nil
}

// findConfigInTree searches up the directory tree for hermes.json
func findConfigInTree() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, "hermes.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || path == "." {
		return baseDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
