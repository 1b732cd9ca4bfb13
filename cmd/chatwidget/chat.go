package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

var (
	userLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	botLabelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	noticeStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#888888"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

const chatHelp = "Commands: /reset, /voice, /speak N, /history, /quit"

type terminalChat struct {
	out   io.Writer
	ctrl  *session.Controller
	style string
}

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			bus, err := eventbus.New(ctx, settings.Events)
			if err != nil {
				return errors.Wrap(err, "create event bus")
			}
			defer func() { _ = bus.Close() }()

			ctrl, err := newController(ctx, settings, bus)
			if err != nil {
				return err
			}
			defer func() { _ = ctrl.Close() }()

			tc := &terminalChat{out: os.Stdout, ctrl: ctrl, style: "notty"}
			if isatty.IsTerminal(os.Stdout.Fd()) {
				tc.style = "dark"
			}

			events, err := bus.Subscribe(ctx, ctrl.SessionID())
			if err != nil {
				return errors.Wrap(err, "subscribe to session events")
			}
			go tc.printNotices(events)

			if ctrl.Degraded() {
				tc.notice("history store unavailable, this conversation will not be saved")
			}
			tc.printHistory(ctrl.Open(ctx))
			tc.notice(chatHelp)

			ui := &input.UI{Writer: os.Stdout, Reader: os.Stdin}
			for {
				line, err := ui.Ask(userLabelStyle.Render("Anda"), &input.Options{
					HideOrder: true,
				})
				if err != nil {
					// interrupt or closed stdin ends the chat
					log.Debug().Err(err).Msg("input closed")
					return nil
				}
				if quit := tc.handle(ctx, line); quit {
					return nil
				}
			}
		},
	}
}

// handle runs one line of input and reports whether the chat should end.
func (tc *terminalChat) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case line == "/help":
		tc.notice(chatHelp)
	case line == "/reset":
		tc.printHistory(tc.ctrl.Reset(ctx))
	case line == "/history":
		tc.printHistory(tc.ctrl.History())
	case line == "/voice":
		if !tc.ctrl.Capabilities().SpeechInput {
			tc.errorf("speech input is not available")
			return false
		}
		tc.notice("listening...")
		res := tc.ctrl.VoiceInput(ctx)
		if res.Sent {
			tc.printMessage(historystore.UserMessage(res.Transcript))
			tc.printMessage(res.Reply)
		}
	case strings.HasPrefix(line, "/speak"):
		idx, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/speak")))
		if err != nil {
			tc.errorf("usage: /speak N")
			return false
		}
		if err := tc.ctrl.SpeakMessage(idx); err != nil {
			tc.errorf("%v", err)
		}
	case strings.HasPrefix(line, "/"):
		tc.errorf("unknown command %s", line)
	default:
		if reply, ok := tc.ctrl.SendUserMessage(ctx, line); ok {
			tc.printMessage(reply)
		}
	}
	return false
}

func (tc *terminalChat) printNotices(events <-chan *message.Message) {
	for msg := range events {
		msg.Ack()
		ev, err := session.DecodeEvent(msg.Payload)
		if err != nil {
			log.Debug().Err(err).Msg("undecodable session event")
			continue
		}
		switch ev.Type {
		case session.EventSessionExpired:
			tc.notice("session idle for too long, history cleared")
		case session.EventVoiceError:
			tc.errorf("%s", ev.Notice)
		default:
		}
	}
}

func (tc *terminalChat) printHistory(msgs []historystore.Message) {
	for i, m := range msgs {
		_, _ = fmt.Fprint(tc.out, noticeStyle.Render(fmt.Sprintf("[%d] ", i)))
		tc.printMessage(m)
	}
}

func (tc *terminalChat) printMessage(m historystore.Message) {
	label := botLabelStyle.Render("INA")
	if m.Role == historystore.RoleUser {
		label = userLabelStyle.Render("Anda")
	}
	body := m.Content
	if m.Role == historystore.RoleBot {
		if rendered, err := glamour.Render(m.Content, tc.style); err == nil {
			body = strings.TrimSpace(rendered)
		}
	}
	_, _ = fmt.Fprintf(tc.out, "%s: %s\n", label, body)
}

func (tc *terminalChat) notice(text string) {
	_, _ = fmt.Fprintln(tc.out, noticeStyle.Render(text))
}

func (tc *terminalChat) errorf(format string, args ...any) {
	_, _ = fmt.Fprintln(tc.out, errorStyle.Render(fmt.Sprintf(format, args...)))
}
