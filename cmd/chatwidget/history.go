package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/history"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("#FFFDF5"))
	infoKeyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	infoValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List stored sessions or print the history of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := historystore.Open(ctx, settings.Store)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				if reset {
					return errors.New("--clear needs a session id")
				}
				return listSessions(ctx, out, store, limit)
			}
			if reset {
				return clearSession(ctx, out, store, args[0])
			}
			return printSession(ctx, out, store, args[0])
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of sessions to list")
	cmd.Flags().BoolVar(&reset, "clear", false, "reset the session history to the welcome message")
	return cmd
}

func listSessions(ctx context.Context, out io.Writer, store historystore.Store, limit int) error {
	lister, ok := store.(historystore.Lister)
	if !ok {
		return errors.Errorf("%s store cannot list sessions", settings.Store.Backend)
	}
	records, err := lister.List(ctx, limit)
	if err != nil {
		return errors.Wrap(err, "list sessions")
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, noticeStyle.Render("no stored sessions"))
		return nil
	}
	_, _ = fmt.Fprintln(out, titleStyle.Render("Sessions"))
	for _, r := range records {
		_, _ = fmt.Fprintf(out, "%s  %s %s  %s %s\n",
			infoValueStyle.Render(r.SessionID),
			infoKeyStyle.Render("messages:"), infoValueStyle.Render(fmt.Sprint(len(r.History))),
			infoKeyStyle.Render("updated:"), infoValueStyle.Render(formatMs(r.LastUpdatedMs)),
		)
	}
	return nil
}

func printSession(ctx context.Context, out io.Writer, store historystore.Store, sessionID string) error {
	rec, ok, err := store.Get(ctx, sessionID)
	if err != nil {
		return errors.Wrapf(err, "read session %s", sessionID)
	}
	if !ok {
		return errors.Errorf("no history stored for session %s", sessionID)
	}
	_, _ = fmt.Fprintf(out, "%s  %s %s\n",
		titleStyle.Render(rec.SessionID),
		infoKeyStyle.Render("updated:"), infoValueStyle.Render(formatMs(rec.LastUpdatedMs)),
	)
	tc := &terminalChat{out: out, style: "notty"}
	tc.printHistory(rec.History)
	return nil
}

func clearSession(ctx context.Context, out io.Writer, store historystore.Store, sessionID string) error {
	mgr := history.NewManager(store, history.WithWelcome(settings.Session.Welcome))
	mgr.Load(ctx, sessionID)
	mgr.Clear()
	if err := mgr.Close(); err != nil {
		return errors.Wrapf(err, "clear session %s", sessionID)
	}
	_, _ = fmt.Fprintf(out, "session %s reset to the welcome message\n", sessionID)
	return nil
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}
