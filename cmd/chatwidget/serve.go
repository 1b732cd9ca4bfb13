package main

import (
	"embed"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/webchat"
)

//go:embed static
var staticFS embed.FS

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat session over HTTP and websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			bus, err := eventbus.New(ctx, settings.Events)
			if err != nil {
				return errors.Wrap(err, "create event bus")
			}
			defer func() { _ = bus.Close() }()

			ctrl, err := newController(ctx, settings, bus)
			if err != nil {
				return err
			}

			hub, err := webchat.NewStreamHub(webchat.StreamHubConfig{
				SessionID:  ctrl.SessionID(),
				Subscriber: bus.Subscriber,
			})
			if err != nil {
				_ = ctrl.Close()
				return err
			}
			router, err := webchat.NewRouter(ctrl, hub,
				webchat.WithStaticFS(staticFS),
				webchat.WithAllowedOrigins(settings.Server.AllowedOrigins),
			)
			if err != nil {
				_ = ctrl.Close()
				return err
			}
			srv, err := webchat.NewServer(router, settings.Server.Addr, ctrl.Close)
			if err != nil {
				_ = ctrl.Close()
				return err
			}
			defer func() { _ = ctrl.Close() }()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Bool("redis-events", false, "publish session events on Redis Streams")
	cmd.Flags().StringSlice("allowed-origins", nil, "extra origins allowed to open the websocket")
	return cmd
}
