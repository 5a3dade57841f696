package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"chatgpt-clone/internal/chat"
	"chatgpt-clone/internal/export"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errNotLoggedIn = errors.New("not logged in; run `chatgpt-clone login` first")

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// userError replaces err with the text the interface would show for it.
func userError(err error) error {
	if err == nil {
		return nil
	}
	if text := chat.UserMessage(err); text != "" {
		return errors.New(text)
	}
	return err
}

func (a *app) requireLogin(ctx context.Context) error {
	ok, err := a.coord.Restore(ctx)
	if err != nil {
		return fmt.Errorf("read saved login: %w", err)
	}
	if !ok {
		return errNotLoggedIn
	}
	return nil
}

func (a *app) authCmd(mode chat.AuthMode) *cobra.Command {
	var username, password, confirm string
	cmd := &cobra.Command{
		Use:   mode.String(),
		Short: "Log in and remember the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()

			in := bufio.NewReader(cmd.InOrStdin())
			if password == "" {
				p, err := prompt(in, cmd.ErrOrStderr(), "Password: ")
				if err != nil {
					return err
				}
				password = p
				if mode == chat.ModeRegister && confirm == "" {
					if confirm, err = prompt(in, cmd.ErrOrStderr(), "Confirm password: "); err != nil {
						return err
					}
				}
			}
			if mode == chat.ModeRegister && confirm == "" {
				confirm = password
			}

			if err := a.coord.Authenticate(ctx, mode, username, password, confirm); err != nil {
				return userError(err)
			}
			verb := "Logged in"
			if mode == chat.ModeRegister {
				verb = "Registered and logged in"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s as %s\n", verb, strings.TrimSpace(username))
			return nil
		},
	}
	if mode == chat.ModeRegister {
		cmd.Short = "Create an account and log in"
		cmd.Flags().StringVar(&confirm, "confirm", "", "password confirmation (defaults to --password)")
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when omitted)")
	return cmd
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if _, err := a.coord.Restore(ctx); err != nil {
				a.logger.Warn("restore before logout", zap.Error(err))
			}
			a.coord.Logout(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func (a *app) sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List chat sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			sessions, err := a.coord.LoadSessions(ctx)
			if err != nil {
				return userError(err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE")
			for _, s := range sessions {
				title := s.Title
				if strings.TrimSpace(title) == "" {
					title = chat.DefaultTitle
				}
				fmt.Fprintf(w, "%s\t%s\n", s.ID, title)
			}
			return w.Flush()
		},
	}
}

func (a *app) newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create a chat session and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			sess, err := a.coord.CreateSession(ctx, strings.Join(args, " "))
			if err != nil {
				return userError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		},
	}
}

func (a *app) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a chat session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			return userError(a.coord.RenameSession(ctx, args[0], strings.Join(args[1:], " ")))
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a chat session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			return userError(a.coord.DeleteSession(ctx, args[0]))
		},
	}
}

func (a *app) sendCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message and print the reply",
		Long: `Sends a message to --session, or to a new chat when no session is
given, and prints the assistant's reply. Interrupting stops the generation
on the backend.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			if sessionID != "" {
				if err := a.coord.SelectSession(ctx, sessionID); err != nil {
					return userError(err)
				}
			}

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					a.coord.StopGeneration(context.WithoutCancel(ctx))
				case <-done:
				}
			}()

			outcome, err := a.coord.SendMessage(ctx, strings.Join(args, " "))
			switch {
			case err != nil:
				return userError(err)
			case outcome == chat.OutcomeSkipped:
				return errors.New("nothing to send")
			case outcome != chat.OutcomeFulfilled:
				return fmt.Errorf("generation %s", outcome)
			}
			reply, _ := a.coord.Snapshot().LastReply()
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			if sessionID == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", a.coord.Snapshot().ActiveID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (a new chat is created when empty)")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			if err := a.coord.SelectSession(ctx, args[0]); err != nil {
				return userError(err)
			}
			md := export.BuildTranscriptMarkdown(a.coord.Snapshot().Messages)
			if !raw {
				out, err := glamour.Render(md, a.cfg.GlamourStyle)
				if err != nil {
					a.logger.Warn("render transcript", zap.Error(err))
				} else {
					md = out
				}
			}
			_, err := io.WriteString(cmd.OutOrStdout(), md)
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without styling")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <id>",
		Short: "Write a chat transcript to the export directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := commandContext(cmd)
			defer stop()
			if err := a.requireLogin(ctx); err != nil {
				return err
			}
			if _, err := a.coord.LoadSessions(ctx); err != nil {
				return userError(err)
			}
			if err := a.coord.SelectSession(ctx, args[0]); err != nil {
				return userError(err)
			}
			st := a.coord.Snapshot()
			sess, _ := st.ActiveSession()

			exp, err := export.New(a.cfg.ExportDir)
			if err != nil {
				return err
			}
			path, err := exp.Export(sess, st.Messages)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
