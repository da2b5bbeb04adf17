package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/collabtext/realtime-engine/internal/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeServer accepts a socket, expects AUTH, and replies according to
// the configured script.
func fakeServer(t *testing.T, handle func(c *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		handle(c)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestAuthenticationSuccess(t *testing.T) {
	srv := fakeServer(t, func(c *websocket.Conn) {
		defer c.Close()
		var auth models.AuthMessage
		require.NoError(t, c.ReadJSON(&auth))
		require.Equal(t, "tok", auth.Token)
		require.NoError(t, c.WriteJSON(models.AuthSuccessMessage{Type: models.TypeAuthSuccess, UserID: "user1"}))
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	s := New(Config{URL: wsURL(srv.URL), Token: "tok"})
	go s.Connect()

	require.Eventually(t, func() bool {
		return s.State() == StateAuthenticated
	}, time.Second, 10*time.Millisecond)

	s.Disconnect()
}

func TestAuthenticationFailureDisconnectsWithoutReconnect(t *testing.T) {
	srv := fakeServer(t, func(c *websocket.Conn) {
		defer c.Close()
		var auth models.AuthMessage
		require.NoError(t, c.ReadJSON(&auth))
		require.NoError(t, c.WriteJSON(models.AuthErrorMessage{Type: models.TypeAuthError, Error: "Invalid token"}))
	})
	defer srv.Close()

	s := New(Config{URL: wsURL(srv.URL), Token: "bad"})
	err := s.Connect()
	require.Error(t, err)
	require.Equal(t, StateDisconnected, s.State())
}

func TestAuthenticationFailureEmitsErrorOnChannel(t *testing.T) {
	// Exercises the AutoConnect background path: no caller is blocked
	// on Connect's return value, so the failure must surface on
	// Errors() instead.
	srv := fakeServer(t, func(c *websocket.Conn) {
		defer c.Close()
		var auth models.AuthMessage
		require.NoError(t, c.ReadJSON(&auth))
		require.NoError(t, c.WriteJSON(models.AuthErrorMessage{Type: models.TypeAuthError, Error: "Invalid token"}))
	})
	defer srv.Close()

	s := New(Config{URL: wsURL(srv.URL), Token: "bad", AutoConnect: true})

	select {
	case err := <-s.Errors():
		require.Error(t, err)
		require.Contains(t, err.Error(), "auth failed")
	case <-time.After(time.Second):
		t.Fatal("expected an auth-failure error on the Errors channel")
	}
}

func TestAuthenticationTimeoutEmitsError(t *testing.T) {
	srv := fakeServer(t, func(c *websocket.Conn) {
		defer c.Close()
		var auth models.AuthMessage
		require.NoError(t, c.ReadJSON(&auth))
		time.Sleep(500 * time.Millisecond)
	})
	defer srv.Close()

	s := New(Config{URL: wsURL(srv.URL), Token: "tok", AuthTimeout: 20 * time.Millisecond})
	go s.Connect()

	select {
	case err := <-s.Errors():
		require.Error(t, err)
		require.Contains(t, err.Error(), "timed out")
	case <-time.After(time.Second):
		t.Fatal("expected an auth-timeout error on the Errors channel")
	}
}

func TestMaxReconnectAttemptsEmitsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	badURL := wsURL(srv.URL)
	srv.Close() // every dial against this URL now fails

	s := New(Config{URL: badURL, MaxReconnectAttempts: 1, ReconnectInterval: 5 * time.Millisecond})
	go s.Connect()

	select {
	case err := <-s.Errors():
		require.Error(t, err)
		require.Contains(t, err.Error(), "max reconnect attempts")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a max-reconnect-attempts error on the Errors channel")
	}

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)
}

func TestSendQueuesUntilAuthenticated(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := fakeServer(t, func(c *websocket.Conn) {
		defer c.Close()
		var auth models.AuthMessage
		require.NoError(t, c.ReadJSON(&auth))

		// Delay auth success so an intervening Send() call must queue.
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, c.WriteJSON(models.AuthSuccessMessage{Type: models.TypeAuthSuccess, UserID: "user1"}))

		for i := 0; i < 1; i++ {
			var env models.Envelope
			if c.ReadJSON(&env) == nil {
				mu.Lock()
				received = append(received, env.Type)
				mu.Unlock()
			}
		}
	})
	defer srv.Close()

	s := New(Config{URL: wsURL(srv.URL), Token: "tok"})
	go s.Connect()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Send(models.JoinDocumentMessage{Type: models.TypeJoinDocument, DocumentID: "doc1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	s.Disconnect()
}

func TestSubscribeDisposerRemovesHandler(t *testing.T) {
	hs := newHandlerSet()
	calls := 0
	dispose := hs.subscribe("FOO", func(json.RawMessage) { calls++ })

	hs.dispatch("FOO", json.RawMessage(`{}`))
	dispose()
	hs.dispatch("FOO", json.RawMessage(`{}`))

	require.Equal(t, 1, calls)
}

func TestWildcardSubscriberReceivesEveryType(t *testing.T) {
	hs := newHandlerSet()
	var seen []string
	hs.subscribe("*", func(raw json.RawMessage) {
		var env models.Envelope
		json.Unmarshal(raw, &env)
		seen = append(seen, env.Type)
	})

	hs.dispatch(models.TypePing, json.RawMessage(`{"type":"PING"}`))
	hs.dispatch(models.TypePong, json.RawMessage(`{"type":"PONG"}`))

	require.Equal(t, []string{models.TypePing, models.TypePong}, seen)
}

func TestDisconnectResetsState(t *testing.T) {
	s := New(Config{URL: "ws://unused"})
	s.mu.Lock()
	s.state = StateAuthenticated
	s.attempts = 5
	s.mu.Unlock()

	s.Disconnect()

	require.Equal(t, StateDisconnected, s.State())
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()
	require.Equal(t, 0, attempts)
}
