package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/config"
	"github.com/go-go-golems/chatwidget/pkg/exchange"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/sessionid"
	"github.com/go-go-golems/chatwidget/pkg/speech"
)

// newIDProvider falls back to a memory slot when the slot file path is
// unusable; the provider then hands out a non-durable id.
func newIDProvider(s *config.Settings) *sessionid.Provider {
	slot, err := sessionid.NewFileSlot(s.Session.SlotFile)
	if err != nil {
		log.Warn().Err(err).Msg("session id slot unavailable, id will not survive restarts")
		return sessionid.NewProvider(nil)
	}
	return sessionid.NewProvider(slot)
}

// newController wires the configured store, exchange and speech adapters
// into a session controller.
func newController(ctx context.Context, s *config.Settings, events session.Publisher) (*session.Controller, error) {
	ex, err := exchange.NewHTTPClient(s.Exchange)
	if err != nil {
		return nil, errors.Wrap(err, "configure exchange (set exchange.endpoint or --endpoint)")
	}
	rec, spk := speech.FromSettings(s.Speech)

	storeSettings := s.Store
	return session.New(ctx, session.Options{
		IDs: newIDProvider(s),
		OpenStore: func(ctx context.Context) (historystore.Store, error) {
			return historystore.Open(ctx, storeSettings)
		},
		Exchanger:     ex,
		Recognizer:    rec,
		Speaker:       spk,
		Events:        events,
		Welcome:       s.Session.Welcome,
		IdleTimeout:   s.Session.IdleTimeout,
		CheckInterval: s.Session.CheckInterval,
	})
}
