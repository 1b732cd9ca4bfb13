package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/exchange"
	"github.com/go-go-golems/chatwidget/pkg/history"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/sessionid"
)

func newTestChat(t *testing.T) (*terminalChat, *bytes.Buffer) {
	t.Helper()
	ctrl, err := session.New(context.Background(), session.Options{
		IDs: sessionid.NewProvider(sessionid.NewMemorySlot()),
		Exchanger: exchange.ExchangerFunc(func(_ context.Context, _ string, text string) (string, error) {
			return "echo: " + text, nil
		}),
		DisableMonitor: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	var out bytes.Buffer
	return &terminalChat{out: &out, ctrl: ctrl, style: "notty"}, &out
}

func TestTerminalChatSendAndReset(t *testing.T) {
	tc, out := newTestChat(t)
	ctx := context.Background()

	require.False(t, tc.handle(ctx, "hi"))
	require.Contains(t, out.String(), "echo: hi")
	require.Len(t, tc.ctrl.History(), 3)

	require.False(t, tc.handle(ctx, "   "))
	require.Len(t, tc.ctrl.History(), 3)

	require.False(t, tc.handle(ctx, "/reset"))
	require.Equal(t, []historystore.Message{historystore.BotMessage(history.WelcomeMessage)}, tc.ctrl.History())

	require.True(t, tc.handle(ctx, "/quit"))
}

func TestTerminalChatCommandErrors(t *testing.T) {
	tc, out := newTestChat(t)
	ctx := context.Background()

	require.False(t, tc.handle(ctx, "/voice"))
	require.Contains(t, out.String(), "speech input is not available")

	out.Reset()
	require.False(t, tc.handle(ctx, "/speak x"))
	require.Contains(t, out.String(), "usage: /speak N")

	out.Reset()
	require.False(t, tc.handle(ctx, "/speak 0"))
	require.NotEmpty(t, out.String())

	out.Reset()
	require.False(t, tc.handle(ctx, "/bogus"))
	require.Contains(t, out.String(), "unknown command /bogus")
}

func TestHistoryCommandHelpers(t *testing.T) {
	settings = &config.Settings{}
	settings.Store.Backend = historystore.BackendMemory
	ctx := context.Background()

	store := historystore.NewInMemoryStore()
	require.NoError(t, store.Put(ctx, historystore.Record{
		SessionID: "abc-123",
		History: []historystore.Message{
			historystore.BotMessage(history.WelcomeMessage),
			historystore.UserMessage("halo"),
		},
		LastUpdatedMs: 1,
	}))

	var out bytes.Buffer
	require.NoError(t, listSessions(ctx, &out, store, 10))
	require.Contains(t, out.String(), "abc-123")

	out.Reset()
	require.NoError(t, printSession(ctx, &out, store, "abc-123"))
	require.Contains(t, out.String(), "halo")

	require.Error(t, printSession(ctx, &out, store, "missing"))

	out.Reset()
	require.NoError(t, clearSession(ctx, &out, store, "abc-123"))
	rec, ok, err := store.Get(ctx, "abc-123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []historystore.Message{historystore.BotMessage(history.WelcomeMessage)}, rec.History)
}

func TestFormatMs(t *testing.T) {
	require.Equal(t, "-", formatMs(0))
	require.NotEqual(t, "-", formatMs(1_700_000_000_000))
}
