package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"chatgpt-clone/internal/api"
	"chatgpt-clone/internal/chat"
	"chatgpt-clone/internal/config"
	"chatgpt-clone/internal/export"
	"chatgpt-clone/internal/logging"
	"chatgpt-clone/internal/store"
	"chatgpt-clone/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what PersistentPreRunE builds for every command.
type app struct {
	cfg     config.AppConfig
	logger  *zap.Logger
	tokens  *store.SQLite
	coord   *chat.Coordinator
	changes *ui.Notifier
}

func newApp() *app {
	return &app{logger: zap.NewNop(), changes: ui.NewNotifier()}
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:   config.AppName,
		Short: "Terminal client for the chatgpt-clone chat backend",
		Long: `chatgpt-clone talks to a chatgpt-clone backend: log in, keep several
chat sessions, and send messages to the assistant.

Run without arguments to start the interactive interface. The subcommands
do the same things one step at a time, for scripts.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
		RunE: a.runTUI,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.authCmd(chat.ModeLogin),
		a.authCmd(chat.ModeRegister),
		a.logoutCmd(),
		a.sessionsCmd(),
		a.newCmd(),
		a.renameCmd(),
		a.deleteCmd(),
		a.sendCmd(),
		a.showCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.LogPath, cfg.Verbose)
	if err != nil {
		return err
	}
	a.logger = logger

	policy, err := chat.ParseInsertPolicy(cfg.NewSessionPosition)
	if err != nil {
		return err
	}

	a.tokens, err = store.Open(cfg.DBPath)
	if err != nil {
		return err
	}

	a.coord = chat.Dial(cfg.BaseURL, a.tokens,
		[]api.Option{
			api.WithTimeout(cfg.RequestTimeout),
			api.WithLogger(logger.Named("api")),
		},
		chat.WithLogger(logger.Named("chat")),
		chat.WithInsertPolicy(policy),
		chat.WithLogoutOnAuthFailure(cfg.LogoutOnAuthFailure),
		chat.WithNotify(a.changes.Notify),
	)
	logger.Debug("configured",
		zap.String("command", cmd.Name()),
		zap.String("api_url", cfg.BaseURL),
		zap.String("config", cfg.ConfigPath),
		zap.String("db", cfg.DBPath))
	return nil
}

func (a *app) close() {
	if a.tokens != nil {
		if err := a.tokens.Close(); err != nil {
			a.logger.Warn("close token store", zap.Error(err))
		}
		a.tokens = nil
	}
	_ = a.logger.Sync()
}

func (a *app) runTUI(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	exp, err := export.New(a.cfg.ExportDir)
	if err != nil {
		return err
	}
	model := ui.NewModel(a.cfg, a.coord, exp, ui.Options{
		Context: ctx,
		Changes: a.changes,
		Logger:  a.logger.Named("ui"),
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

func main() {
	a := newApp()
	err := a.command().ExecuteContext(context.Background())
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
