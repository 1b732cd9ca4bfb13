// Package speech adapts text-to-speech and speech recognition engines.
//
// The command adapters shell out to local binaries (espeak-ng, a whisper
// wrapper, ...). When the binary cannot be found the capability is reported
// as unavailable and the corresponding control is disabled.
package speech

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultLanguage = "id-ID"

var ErrUnavailable = errors.New("speech capability unavailable")

type Recognizer interface {
	Recognize(ctx context.Context) (string, error)
	Available() bool
}

// Speaker speaks text, cancelling any utterance still in progress.
type Speaker interface {
	Speak(text string)
	Available() bool
}

type Settings struct {
	Language          string   `mapstructure:"language"`
	SpeakCommand      []string `mapstructure:"speak-command"`
	RecognizeCommand  []string `mapstructure:"recognize-command"`
	DisableSpeak      bool     `mapstructure:"disable-speak"`
	DisableRecognizer bool     `mapstructure:"disable-recognizer"`
}

// Noop is used when a capability is disabled.
type Noop struct{}

func (Noop) Recognize(context.Context) (string, error) { return "", ErrUnavailable }
func (Noop) Speak(string)                              {}
func (Noop) Available() bool                           { return false }

// expandArgs substitutes {lang} and {text} placeholders. When no argument
// carries {text}, the text is appended.
func expandArgs(args []string, lang, text string, withText bool) []string {
	out := make([]string, 0, len(args)+1)
	sawText := false
	for _, a := range args {
		if strings.Contains(a, "{text}") {
			sawText = true
		}
		a = strings.ReplaceAll(a, "{lang}", lang)
		a = strings.ReplaceAll(a, "{text}", text)
		out = append(out, a)
	}
	if withText && !sawText {
		out = append(out, text)
	}
	return out
}

func lookPath(argv []string) (string, bool) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return "", false
	}
	p, err := exec.LookPath(argv[0])
	if err != nil {
		return "", false
	}
	return p, true
}

// CommandSpeaker runs one process per utterance.
type CommandSpeaker struct {
	argv []string
	lang string
	path string

	mu      sync.Mutex
	cancel  context.CancelFunc
	running *exec.Cmd
	wg      sync.WaitGroup
}

func NewCommandSpeaker(argv []string, lang string) *CommandSpeaker {
	if lang == "" {
		lang = DefaultLanguage
	}
	s := &CommandSpeaker{argv: append([]string(nil), argv...), lang: lang}
	if p, ok := lookPath(argv); ok {
		s.path = p
	} else if len(argv) > 0 {
		log.Info().Str("component", "speech").Str("command", argv[0]).Msg("speech output binary not found, disabling")
	}
	return s
}

func (s *CommandSpeaker) Available() bool { return s.path != "" }

func (s *CommandSpeaker) Speak(text string) {
	text = strings.TrimSpace(text)
	if !s.Available() || text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	args := expandArgs(s.argv[1:], s.lang, text, true)
	cmd := exec.CommandContext(ctx, s.path, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		log.Warn().Err(err).Str("component", "speech").Msg("failed to start speech output")
		return
	}
	s.cancel = cancel
	s.running = cmd
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("component", "speech").Msg("speech output exited with error")
		}
		cancel()
		s.mu.Lock()
		if s.running == cmd {
			s.running = nil
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
}

// Cancel stops the current utterance, if any.
func (s *CommandSpeaker) Cancel() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *CommandSpeaker) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.running = nil
}

// Close cancels playback and waits for the process to exit.
func (s *CommandSpeaker) Close() error {
	s.Cancel()
	s.wg.Wait()
	return nil
}

// CommandRecognizer runs a command that records one utterance and prints the
// transcript on stdout.
type CommandRecognizer struct {
	argv []string
	lang string
	path string
}

func NewCommandRecognizer(argv []string, lang string) *CommandRecognizer {
	if lang == "" {
		lang = DefaultLanguage
	}
	r := &CommandRecognizer{argv: append([]string(nil), argv...), lang: lang}
	if p, ok := lookPath(argv); ok {
		r.path = p
	} else if len(argv) > 0 {
		log.Info().Str("component", "speech").Str("command", argv[0]).Msg("speech recognition binary not found, disabling")
	}
	return r
}

func (r *CommandRecognizer) Available() bool { return r.path != "" }

func (r *CommandRecognizer) Recognize(ctx context.Context) (string, error) {
	if !r.Available() {
		return "", ErrUnavailable
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path, expandArgs(r.argv[1:], r.lang, "", false)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "speech recognition failed: %s", strings.TrimSpace(stderr.String()))
	}
	transcript := strings.TrimSpace(stdout.String())
	if transcript == "" {
		return "", errors.New("speech recognition returned no transcript")
	}
	return transcript, nil
}

// FromSettings builds the configured adapters, falling back to Noop when a
// capability is disabled or not configured.
func FromSettings(s Settings) (Recognizer, Speaker) {
	var rec Recognizer = Noop{}
	var spk Speaker = Noop{}
	if !s.DisableRecognizer && len(s.RecognizeCommand) > 0 {
		rec = NewCommandRecognizer(s.RecognizeCommand, s.Language)
	}
	if !s.DisableSpeak && len(s.SpeakCommand) > 0 {
		spk = NewCommandSpeaker(s.SpeakCommand, s.Language)
	}
	return rec, spk
}
