// Package session implements the client-side transport that mediates
// a replica and the server: connect, authenticate, heartbeat, and
// reconnect-with-backoff.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/collabtext/realtime-engine/internal/models"
)

// State is one of ClientSession's public lifecycle states.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReconnecting   State = "reconnecting"
)

// Config configures a ClientSession. Zero values are replaced with
// sane defaults by New.
type Config struct {
	URL                  string
	Token                string
	AutoConnect          bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	AuthTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 3000 * time.Millisecond
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30000 * time.Millisecond
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10000 * time.Millisecond
	}
	return c
}

type handlerSet struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string][]func(json.RawMessage))}
}

func (h *handlerSet) subscribe(msgType string, fn func(json.RawMessage)) func() {
	h.mu.Lock()
	h.handlers[msgType] = append(h.handlers[msgType], fn)
	idx := len(h.handlers[msgType]) - 1
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.handlers[msgType]
		if idx < len(list) {
			list[idx] = nil
		}
	}
}

func (h *handlerSet) dispatch(msgType string, raw json.RawMessage) {
	h.mu.Lock()
	typed := append([]func(json.RawMessage){}, h.handlers[msgType]...)
	wildcard := append([]func(json.RawMessage){}, h.handlers["*"]...)
	h.mu.Unlock()

	for _, fn := range typed {
		if fn != nil {
			fn(raw)
		}
	}
	for _, fn := range wildcard {
		if fn != nil {
			fn(raw)
		}
	}
}

// Session is the client-side transport. All mutation happens on its
// own goroutines; callers interact only through Send/Subscribe/
// Connect/Disconnect.
type Session struct {
	cfg Config

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	queue [][]byte

	handlers *handlerSet

	attempts      int
	heartbeatStop chan struct{}

	errors chan error
}

// emitError pushes an asynchronous session error onto the observable
// error channel. The send is non-blocking: a consumer that isn't
// currently reading misses the error rather than stalling the
// session's internal goroutines.
func (s *Session) emitError(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// Errors returns the session's single observable error channel.
// Authentication timeouts, authentication rejections, and
// reconnect-attempts exhaustion are pushed here — this is the only
// way to learn about those failures when the session was started via
// Config.AutoConnect or is retrying in the background after a drop,
// since no caller is blocked on Connect's return value in either case.
func (s *Session) Errors() <-chan error {
	return s.errors
}

// New constructs a Session. Call Connect to start it if cfg.AutoConnect
// is false; AutoConnect true starts the connection immediately.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		state:    StateDisconnected,
		handlers: newHandlerSet(),
		errors:   make(chan error, 16),
	}
	if cfg.AutoConnect {
		// Connect's return value is discarded here, same as from
		// scheduleReconnect's retry goroutine: both paths push their
		// terminal errors onto s.errors themselves (see authenticate
		// and scheduleReconnect), so Errors() is the only channel a
		// caller needs to watch for either case.
		go s.Connect()
	}
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect opens the socket and drives the auth handshake. It blocks
// until the connection closes (normally called in its own goroutine).
func (s *Session) Connect() error {
	s.setState(StateConnecting)

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("session: parse url: %w", err)
	}

	wsConn, _, err := websocket.DefaultDialer.Dial(u.String(), http.Header{})
	if err != nil {
		s.scheduleReconnect()
		return fmt.Errorf("session: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = wsConn
	s.mu.Unlock()
	s.setState(StateConnected)

	readLoopDone := make(chan struct{})
	go func() {
		defer close(readLoopDone)
		s.readLoop()
	}()

	if err := s.authenticate(); err != nil {
		return err
	}

	<-readLoopDone
	return nil
}

func (s *Session) authenticate() error {
	s.setState(StateAuthenticating)

	token := s.cfg.Token
	if token == "" {
		token = "dev-anonymous"
	}

	authDone := make(chan struct{})
	var authErr error

	dispose := s.handlers.subscribe(models.TypeAuthSuccess, func(json.RawMessage) {
		close(authDone)
	})
	disposeErr := s.handlers.subscribe(models.TypeAuthError, func(raw json.RawMessage) {
		var msg models.AuthErrorMessage
		json.Unmarshal(raw, &msg)
		authErr = fmt.Errorf("session: auth failed: %s", msg.Error)
		close(authDone)
	})
	defer dispose()
	defer disposeErr()

	if err := s.writeRaw(mustMarshal(models.AuthMessage{Type: models.TypeAuth, Token: token})); err != nil {
		return fmt.Errorf("session: send auth: %w", err)
	}

	select {
	case <-authDone:
		if authErr != nil {
			s.closeSocket(websocket.CloseNormalClosure)
			s.setState(StateDisconnected)
			s.emitError(authErr)
			return authErr
		}
	case <-time.After(s.cfg.AuthTimeout):
		s.closeSocket(websocket.CloseNormalClosure)
		s.setState(StateDisconnected)
		timeoutErr := fmt.Errorf("session: authentication timed out")
		s.emitError(timeoutErr)
		return timeoutErr
	}

	s.setState(StateAuthenticated)
	s.startHeartbeat()
	s.flushQueue()
	return nil
}

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(err)
			return
		}

		var env models.Envelope
		if json.Unmarshal(raw, &env) != nil {
			continue
		}
		s.handlers.dispatch(env.Type, raw)
	}
}

func (s *Session) handleClose(err error) {
	s.stopHeartbeat()

	// A clean 1000 close (our own Disconnect/closeSocket) never
	// reconnects; every other case — a real CloseError with another
	// code, or a transport-level error with no code at all (dropped
	// connection, reset) — is treated as abnormal and triggers
	// reconnect-with-backoff.
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code == websocket.CloseNormalClosure {
		s.setState(StateDisconnected)
		return
	}

	s.mu.Lock()
	intentional := s.conn == nil
	s.mu.Unlock()
	if intentional {
		s.setState(StateDisconnected)
		return
	}

	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if attempts > s.cfg.MaxReconnectAttempts {
		s.setState(StateDisconnected)
		s.emitError(fmt.Errorf("session: max reconnect attempts (%d) exceeded", s.cfg.MaxReconnectAttempts))
		return
	}

	s.setState(StateReconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInterval
	wait := bo.NextBackOff()

	go func() {
		time.Sleep(wait)
		// Disconnect during the wait moves the session out of
		// StateReconnecting; the scheduled attempt is then dropped.
		if s.State() != StateReconnecting {
			return
		}
		s.Connect()
	}()
}

func (s *Session) startHeartbeat() {
	s.mu.Lock()
	s.heartbeatStop = make(chan struct{})
	stop := s.heartbeatStop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.State() == StateAuthenticated {
					s.writeRaw(mustMarshal(models.PingMessage{Type: models.TypePing}))
				}
			case <-stop:
				return
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Send queues a message while unauthenticated, or writes it
// immediately once authenticated. AUTH frames always bypass the
// queue — see authenticate, which writes directly.
func (s *Session) Send(msg any) error {
	data := mustMarshal(msg)

	s.mu.Lock()
	authenticated := s.state == StateAuthenticated
	if !authenticated {
		s.queue = append(s.queue, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writeRaw(data)
}

func (s *Session) flushQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, data := range pending {
		s.writeRaw(data)
	}
}

func (s *Session) writeRaw(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe registers a handler for msgType ("*" for every message)
// and returns a disposer that removes it.
func (s *Session) Subscribe(msgType string, fn func(json.RawMessage)) func() {
	return s.handlers.subscribe(msgType, fn)
}

func (s *Session) closeSocket(code int) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		conn.Close()
	}
}

// Disconnect clears all timers, detaches handlers, closes the socket
// with code 1000, resets the attempt counter, and marks the session
// disconnected.
func (s *Session) Disconnect() {
	s.stopHeartbeat()
	s.closeSocket(websocket.CloseNormalClosure)

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("session: marshal %T: %v", v, err))
	}
	return data
}
