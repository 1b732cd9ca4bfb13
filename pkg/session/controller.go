// Package session ties the session id, the history manager and the
// inactivity monitor together and exposes the user-facing chat operations.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/exchange"
	"github.com/go-go-golems/chatwidget/pkg/history"
	"github.com/go-go-golems/chatwidget/pkg/inactivity"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/sessionid"
	"github.com/go-go-golems/chatwidget/pkg/speech"
)

const (
	// FailureReply is stored in place of a reply when the exchange fails.
	FailureReply = "Gagal terhubung ke server."
	// RecognitionApology is shown, not stored, when voice input fails.
	RecognitionApology = "Maaf, terjadi kesalahan saat mengenali suara. Silakan coba lagi atau ketik pesan Anda."
)

type Options struct {
	// IDs supplies the session id. Defaults to a memory-only provider.
	IDs *sessionid.Provider
	// OpenStore opens the history store. A nil func uses an in-memory store;
	// an error falls back to one and marks the controller degraded.
	OpenStore func(ctx context.Context) (historystore.Store, error)

	Exchanger  exchange.Exchanger
	Recognizer speech.Recognizer
	Speaker    speech.Speaker
	Events     Publisher

	Welcome       string
	IdleTimeout   time.Duration
	CheckInterval time.Duration
	Clock         inactivity.Clock
	// DisableMonitor skips the background tick; CheckInactivity still works.
	DisableMonitor bool
}

type Capabilities struct {
	SpeechInput  bool `json:"speechInput"`
	SpeechOutput bool `json:"speechOutput"`
}

// VoiceResult reports the outcome of a voice turn. Notice is set when
// recognition failed and nothing was sent.
type VoiceResult struct {
	Transcript string               `json:"transcript,omitempty"`
	Reply      historystore.Message `json:"reply"`
	Sent       bool                 `json:"sent"`
	Notice     string               `json:"notice,omitempty"`
}

type Controller struct {
	id         string
	store      historystore.Store
	degraded   bool
	history    *history.Manager
	monitor    *inactivity.Monitor
	exchanger  exchange.Exchanger
	recognizer speech.Recognizer
	speaker    speech.Speaker
	events     Publisher
	clock      inactivity.Clock

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New builds a controller and loads the session history. Only a missing
// exchanger is an error; storage problems degrade to memory-only.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if ctx == nil {
		return nil, errors.New("session: New requires non-nil ctx")
	}
	if opts.Exchanger == nil {
		return nil, errors.New("session: exchanger is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = inactivity.ClockFunc(time.Now)
	}
	ids := opts.IDs
	if ids == nil {
		ids = sessionid.NewProvider(sessionid.NewMemorySlot(), sessionid.WithNow(clock.Now))
	}

	c := &Controller{
		id:         ids.GetOrCreate(),
		exchanger:  opts.Exchanger,
		recognizer: opts.Recognizer,
		speaker:    opts.Speaker,
		events:     opts.Events,
		clock:      clock,
	}
	if c.recognizer == nil {
		c.recognizer = speech.Noop{}
	}
	if c.speaker == nil {
		c.speaker = speech.Noop{}
	}

	logger := log.With().Str("component", "session").Str("session_id", c.id).Logger()

	if opts.OpenStore != nil {
		store, err := opts.OpenStore(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("history store unavailable, keeping history in memory only")
			c.degraded = true
		} else {
			c.store = store
		}
	}
	if c.store == nil {
		c.store = historystore.NewInMemoryStore()
	}

	hopts := []history.Option{history.WithNow(clock.Now)}
	if opts.Welcome != "" {
		hopts = append(hopts, history.WithWelcome(opts.Welcome))
	}
	c.history = history.NewManager(c.store, hopts...)
	msgs := c.history.Load(ctx, c.id)
	c.publishHistory(EventHistoryLoaded, msgs)

	c.monitor = inactivity.NewMonitor(c.expire,
		inactivity.WithIdle(opts.IdleTimeout),
		inactivity.WithInterval(opts.CheckInterval),
		inactivity.WithClock(clock),
	)
	if !opts.DisableMonitor {
		c.monitor.Start(ctx)
	}

	logger.Info().
		Bool("degraded", c.degraded).
		Bool("durable_id", ids.Durable()).
		Int("messages", len(msgs)).
		Msg("session ready")
	return c, nil
}

func (c *Controller) SessionID() string { return c.id }

// Degraded reports whether history is kept in memory because the store could
// not be opened.
func (c *Controller) Degraded() bool { return c.degraded }

func (c *Controller) History() []historystore.Message { return c.history.Messages() }

func (c *Controller) LastActivity() time.Time { return c.monitor.LastActivity() }

func (c *Controller) Capabilities() Capabilities {
	return Capabilities{
		SpeechInput:  c.recognizer.Available(),
		SpeechOutput: c.speaker.Available(),
	}
}

// Open is called when the widget is opened; it reloads the history so
// changes written by another client show up.
func (c *Controller) Open(ctx context.Context) []historystore.Message {
	c.monitor.Touch()
	msgs := c.history.Load(ctx, c.id)
	c.publishHistory(EventHistoryLoaded, msgs)
	return msgs
}

// SendUserMessage appends text as a user message, asks the exchanger for a
// reply and appends that (or FailureReply). Blank text is ignored and
// reported with ok == false.
func (c *Controller) SendUserMessage(ctx context.Context, text string) (historystore.Message, bool) {
	c.monitor.Touch()
	text = strings.TrimSpace(text)
	if text == "" {
		return historystore.Message{}, false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	user := historystore.UserMessage(text)
	c.history.Append(user)
	c.publishMessage(EventMessageAppended, user)

	c.publishPending(true)
	reply, err := c.exchanger.Exchange(ctx, c.id, text)
	c.publishPending(false)

	var bot historystore.Message
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", c.id).Msg("exchange failed")
		bot = historystore.BotMessage(FailureReply)
	} else {
		bot = historystore.BotMessage(reply)
		c.speaker.Speak(reply)
	}
	c.history.Append(bot)
	c.publishMessage(EventMessageAppended, bot)
	return bot, true
}

// VoiceInput records one utterance and sends the transcript. A recognition
// failure publishes RecognitionApology and sends nothing.
func (c *Controller) VoiceInput(ctx context.Context) VoiceResult {
	c.monitor.Touch()
	transcript, err := c.recognizer.Recognize(ctx)
	if err == nil && strings.TrimSpace(transcript) == "" {
		err = errors.New("empty transcript")
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", c.id).Msg("speech recognition failed")
		c.publish(Event{Type: EventVoiceError, Notice: RecognitionApology})
		return VoiceResult{Notice: RecognitionApology}
	}
	reply, ok := c.SendUserMessage(ctx, transcript)
	return VoiceResult{Transcript: strings.TrimSpace(transcript), Reply: reply, Sent: ok}
}

// SpeakMessage reads the message at index aloud.
func (c *Controller) SpeakMessage(index int) error {
	msgs := c.history.Messages()
	if index < 0 || index >= len(msgs) {
		return errors.Errorf("message index %d out of range [0,%d)", index, len(msgs))
	}
	if !c.speaker.Available() {
		return speech.ErrUnavailable
	}
	c.speaker.Speak(msgs[index].Content)
	return nil
}

// Reset clears the history on user request.
func (c *Controller) Reset(ctx context.Context) []historystore.Message {
	c.monitor.Touch()
	msgs := c.history.Clear()
	c.publishHistory(EventHistoryCleared, msgs)
	return msgs
}

// CheckInactivity runs one inactivity check at now.
func (c *Controller) CheckInactivity(ctx context.Context, now time.Time) bool {
	return c.monitor.CheckOnce(ctx, now)
}

func (c *Controller) expire(context.Context) {
	msgs := c.history.Clear()
	c.publishHistory(EventSessionExpired, msgs)
}

// Flush waits for queued history writes.
func (c *Controller) Flush(ctx context.Context) error {
	return c.history.Flush(ctx)
}

// Close stops the monitor, drains pending writes and closes the store.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.monitor.Stop()
		_ = c.history.Close()
		if closer, ok := c.speaker.(io.Closer); ok {
			_ = closer.Close()
		}
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}
