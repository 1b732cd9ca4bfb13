package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatwidget/pkg/eventbus"
	"github.com/go-go-golems/chatwidget/pkg/exchange"
	"github.com/go-go-golems/chatwidget/pkg/history"
	"github.com/go-go-golems/chatwidget/pkg/persistence/historystore"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

type stubRecognizer struct {
	text string
	err  error
}

func (r stubRecognizer) Recognize(context.Context) (string, error) { return r.text, r.err }
func (r stubRecognizer) Available() bool                           { return true }

type testEnv struct {
	ctrl   *session.Controller
	bus    *eventbus.Bus
	router *Router
	srv    *httptest.Server
	cancel context.CancelFunc
	hubErr chan error
}

func newTestEnv(t *testing.T, ex exchange.Exchanger, mutate ...func(*session.Options)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	bus, err := eventbus.New(ctx, eventbus.Settings{})
	require.NoError(t, err)

	opts := session.Options{Exchanger: ex, Events: bus, DisableMonitor: true}
	for _, m := range mutate {
		m(&opts)
	}
	ctrl, err := session.New(ctx, opts)
	require.NoError(t, err)

	hub, err := NewStreamHub(StreamHubConfig{SessionID: ctrl.SessionID(), Subscriber: bus.Subscriber})
	require.NoError(t, err)
	router, err := NewRouter(ctrl, hub, WithStaticFS(fstest.MapFS{
		"static/index.html": {Data: []byte("<html>chat</html>")},
	}))
	require.NoError(t, err)

	env := &testEnv{ctrl: ctrl, bus: bus, router: router, cancel: cancel, hubErr: make(chan error, 1)}
	go func() { env.hubErr <- hub.Run(ctx) }()
	select {
	case <-hub.Ready():
	case err := <-env.hubErr:
		t.Fatalf("stream hub failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream hub did not subscribe")
	}
	env.srv = httptest.NewServer(router.Handler())

	t.Cleanup(func() {
		env.srv.Close()
		cancel()
		<-env.hubErr
		_ = ctrl.Close()
		_ = bus.Close()
	})
	return env
}

func echo() exchange.Exchanger {
	return exchange.ExchangerFunc(func(_ context.Context, _ string, text string) (string, error) {
		return "echo: " + text, nil
	})
}

func (e *testEnv) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionAndHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, echo())

	var s SessionResponse
	require.Equal(t, http.StatusOK, env.get(t, "/api/session", &s))
	require.Equal(t, env.ctrl.SessionID(), s.SessionID)
	require.False(t, s.Degraded)
	require.False(t, s.Capabilities.SpeechInput)

	var h HistoryResponse
	require.Equal(t, http.StatusOK, env.get(t, "/api/history", &h))
	require.Equal(t, []historystore.Message{historystore.BotMessage(history.WelcomeMessage)}, h.History)

	require.Equal(t, http.StatusMethodNotAllowed, env.post(t, "/api/history", nil, nil))
	require.Equal(t, http.StatusMethodNotAllowed, env.get(t, "/api/messages", nil))
}

func TestMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t, echo())

	var out SendResponse
	require.Equal(t, http.StatusOK, env.post(t, "/api/messages", SendRequest{Text: "hi"}, &out))
	require.True(t, out.Sent)
	require.NotNil(t, out.Reply)
	require.Equal(t, "echo: hi", out.Reply.Content)
	require.Len(t, out.History, 3)

	out = SendResponse{}
	require.Equal(t, http.StatusOK, env.post(t, "/api/messages", SendRequest{Text: "   "}, &out))
	require.False(t, out.Sent)
	require.Nil(t, out.Reply)
	require.Len(t, out.History, 3)

	resp, err := http.Post(env.srv.URL+"/api/messages", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessagesEndpoint_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t, exchange.ExchangerFunc(func(context.Context, string, string) (string, error) {
		return "", exchange.ErrExchangeFailed
	}))
	var out SendResponse
	require.Equal(t, http.StatusOK, env.post(t, "/api/messages", SendRequest{Text: "hi"}, &out))
	require.Equal(t, session.FailureReply, out.Reply.Content)
}

func TestResetAndOpenEndpoints(t *testing.T) {
	env := newTestEnv(t, echo())
	env.post(t, "/api/messages", SendRequest{Text: "hi"}, nil)

	var h HistoryResponse
	require.Equal(t, http.StatusOK, env.post(t, "/api/reset", nil, &h))
	require.Len(t, h.History, 1)

	h = HistoryResponse{}
	require.Equal(t, http.StatusOK, env.post(t, "/api/open", nil, &h))
	require.Len(t, h.History, 1)
	require.Equal(t, env.ctrl.SessionID(), h.SessionID)
}

func TestVoiceEndpoint(t *testing.T) {
	env := newTestEnv(t, echo())
	require.Equal(t, http.StatusNotImplemented, env.post(t, "/api/voice", nil, nil))

	env = newTestEnv(t, echo(), func(o *session.Options) {
		o.Recognizer = stubRecognizer{err: errors.New("no-speech")}
	})
	var out VoiceResponse
	require.Equal(t, http.StatusOK, env.post(t, "/api/voice", nil, &out))
	require.False(t, out.Sent)
	require.Equal(t, session.RecognitionApology, out.Notice)
	require.Len(t, out.History, 1)

	env = newTestEnv(t, echo(), func(o *session.Options) {
		o.Recognizer = stubRecognizer{text: "halo"}
	})
	out = VoiceResponse{}
	require.Equal(t, http.StatusOK, env.post(t, "/api/voice", nil, &out))
	require.True(t, out.Sent)
	require.Equal(t, "echo: halo", out.Reply.Content)
}

func TestSpeakEndpoint(t *testing.T) {
	env := newTestEnv(t, echo())
	require.Equal(t, http.StatusNotImplemented, env.post(t, "/api/speak", SpeakRequest{Index: 0}, nil))
	require.Equal(t, http.StatusBadRequest, env.post(t, "/api/speak", SpeakRequest{Index: 9}, nil))
}

func TestUIHandler_ServesIndex(t *testing.T) {
	env := newTestEnv(t, echo())
	resp, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec := httptest.NewRecorder()
	env.router.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRouter_RequiresService(t *testing.T) {
	_, err := NewRouter(nil, nil)
	require.Error(t, err)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestWebSocket_HelloThenEvents(t *testing.T) {
	env := newTestEnv(t, echo())
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	hello := readFrame(t, conn)
	require.Equal(t, "ws.hello", hello["type"])
	require.Equal(t, env.ctrl.SessionID(), hello["sessionId"])
	require.Len(t, hello["history"], 1)

	require.Eventually(t, func() bool { return env.router.StreamHub().Pool().Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, "ws.pong", readFrame(t, conn)["type"])

	env.post(t, "/api/messages", SendRequest{Text: "hi"}, nil)

	var types []string
	for len(types) < 4 {
		types = append(types, readFrame(t, conn)["type"].(string))
	}
	require.Equal(t, []string{
		string(session.EventMessageAppended),
		string(session.EventReplyPending),
		string(session.EventReplyPending),
		string(session.EventMessageAppended),
	}, types)
}
