package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"bookchat/agent"
	"bookchat/chat"
	"bookchat/config"
	"bookchat/identity"
	"bookchat/repl"
	"bookchat/storage"
	"bookchat/ui"
)

const (
	Version = "v0.01.00"
	License = "Apache-2.0"
)

func main() {
	plain := flag.Bool("plain", false, "line-oriented mode without the full-screen interface")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bookchat %s (%s)\n", Version, License)
		return
	}

	if err := run(*plain); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// showModal runs a standalone modal program and returns its final model.
func showModal(m tea.Model) tea.Model {
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return m
	}
	return final
}

func run(plain bool) error {
	cfg, err := config.Load()
	if err != nil {
		if plain {
			return fmt.Errorf("failed to load config: %w", err)
		}
		showModal(ui.NewErrorModal("Configuration Error", fmt.Sprintf(
			"%v\n\nCheck %s\nand the BOOKCHAT_* environment variables.",
			err, config.GetSettingsFilePath())))
		return nil
	}

	dataDir := cfg.DataDir()
	config.InitDebugLog(dataDir)
	logger := config.DebugLog
	defer func() { _ = logger.Sync() }()

	// One client per data directory: the stored session id is shared state
	lock := storage.NewInstanceLock(dataDir)
	locked, pid, err := lock.Check()
	if err != nil {
		return fmt.Errorf("failed to check instance lock: %w", err)
	}
	if locked {
		if plain {
			return fmt.Errorf("another bookchat client (PID %d) is using %s", pid, dataDir)
		}
		final := showModal(ui.NewInstanceLockedModal(pid, dataDir))
		if m, ok := final.(ui.InstanceLockedModal); !ok || !m.ForceDelete() {
			return nil
		}
		logger.Warn("removing lock held by another process", zap.Int("pid", pid))
	}

	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release instance lock", zap.Error(err))
		}
	}()

	store, err := storage.NewIdentifierStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open identifier store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ident, err := identity.NewProvider(ctx, store, identity.WithLogger(logger.Named("identity")))
	if err != nil {
		return err
	}

	if updated, err := store.UpdatedAt(ctx, storage.KeySessionID); err == nil {
		logger.Info("resuming stored session", zap.Duration("age", time.Since(updated).Round(time.Second)))
	}

	client, err := agent.NewClient(cfg.BaseURL,
		agent.WithLogger(logger.Named("agent")),
		agent.WithTimeouts(cfg.DialTimeout, cfg.RequestTimeout))
	if err != nil {
		return err
	}

	logger.Info("starting",
		zap.String("version", Version),
		zap.String("base_url", cfg.BaseURL),
		zap.String("app_name", cfg.AppName),
		zap.Bool("streaming", cfg.Streaming),
		zap.Bool("plain", plain))

	chatCfg := chat.Config{
		AppName:     cfg.AppName,
		DisplayName: cfg.DisplayName,
		Streaming:   cfg.Streaming,
	}
	opts := []chat.Option{
		chat.WithLogger(logger.Named("chat")),
		chat.WithSessionStore(store),
	}

	if plain {
		ctrl := chat.New(chatCfg, chat.NewTransport(client), ident, opts...)
		return repl.New(ctrl, os.Stdin, os.Stdout, cfg.DisplayName).Run(ctx)
	}

	bridge := ui.NewBridge()
	opts = append(opts, chat.WithObserver(bridge.Observe))
	ctrl := chat.New(chatCfg, chat.NewTransport(client), ident, opts...)

	p := tea.NewProgram(
		ui.NewAppView(ctx, ctrl, ui.Options{
			AgentName: cfg.DisplayName,
			AppName:   cfg.AppName,
			BaseURL:   cfg.BaseURL,
			Version:   Version,
		}),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	bridge.Attach(p)

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("error running bookchat: %w", err)
	}
	return nil
}
