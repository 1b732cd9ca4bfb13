package speech

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestExpandArgs(t *testing.T) {
	require.Equal(t, []string{"-v", "id-ID", "halo"}, expandArgs([]string{"-v", "{lang}"}, "id-ID", "halo", true))
	require.Empty(t, expandArgs(nil, "id-ID", "", false))
	require.Equal(t, []string{"say:halo", "-l", "id-ID"}, expandArgs([]string{"say:{text}", "-l", "{lang}"}, "id-ID", "halo", true))
}

func TestCommandRecognizer(t *testing.T) {
	requireBinary(t, "echo")
	r := NewCommandRecognizer([]string{"echo", "halo", "{lang}"}, "")
	require.True(t, r.Available())

	got, err := r.Recognize(context.Background())
	require.NoError(t, err)
	require.Equal(t, "halo id-ID", got)
}

func TestCommandRecognizer_Failure(t *testing.T) {
	requireBinary(t, "false")
	r := NewCommandRecognizer([]string{"false"}, "id-ID")
	_, err := r.Recognize(context.Background())
	require.Error(t, err)

	requireBinary(t, "true")
	r = NewCommandRecognizer([]string{"true"}, "id-ID")
	_, err = r.Recognize(context.Background())
	require.Error(t, err, "empty transcript is an error")
}

func TestCommandRecognizer_Missing(t *testing.T) {
	r := NewCommandRecognizer([]string{"chatwidget-no-such-recognizer"}, "id-ID")
	require.False(t, r.Available())
	_, err := r.Recognize(context.Background())
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestCommandSpeaker_CancelsPreviousUtterance(t *testing.T) {
	requireBinary(t, "sleep")
	s := NewCommandSpeaker([]string{"sleep"}, "")
	require.True(t, s.Available())

	s.Speak("30")
	s.mu.Lock()
	first := s.running
	s.mu.Unlock()
	require.NotNil(t, first)

	s.Speak("30")
	s.mu.Lock()
	second := s.running
	s.mu.Unlock()
	require.NotSame(t, first, second)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("speaker did not stop its utterances")
	}
}

func TestCommandSpeaker_IgnoresBlankAndMissing(t *testing.T) {
	s := NewCommandSpeaker([]string{"chatwidget-no-such-speaker"}, "id-ID")
	require.False(t, s.Available())
	s.Speak("halo")
	require.NoError(t, s.Close())

	requireBinary(t, "sleep")
	s = NewCommandSpeaker([]string{"sleep"}, "id-ID")
	s.Speak("   ")
	s.mu.Lock()
	require.Nil(t, s.running)
	s.mu.Unlock()
	require.NoError(t, s.Close())
}

func TestFromSettings(t *testing.T) {
	rec, spk := FromSettings(Settings{})
	require.IsType(t, Noop{}, rec)
	require.IsType(t, Noop{}, spk)
	require.False(t, rec.Available())

	_, err := rec.Recognize(context.Background())
	require.True(t, errors.Is(err, ErrUnavailable))

	rec, spk = FromSettings(Settings{
		SpeakCommand:      []string{"sleep"},
		RecognizeCommand:  []string{"echo"},
		DisableRecognizer: true,
	})
	require.IsType(t, Noop{}, rec)
	require.IsType(t, &CommandSpeaker{}, spk)
}
