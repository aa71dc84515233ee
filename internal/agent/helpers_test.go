package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/keyrelay/internal/config"
)

// mockHub simulates the hub WebSocket endpoint for session tests.
type mockHub struct {
	t         *testing.T
	server    *httptest.Server
	upgrader  websocket.Upgrader
	authToken string

	mu        sync.Mutex
	closeCode int // non-zero: close new connections right after the upgrade
	conns     []*websocket.Conn
	greetings []string
	accepted  int
}

func newMockHub(t *testing.T) *mockHub {
	m := &mockHub{
		t:         t,
		authToken: "test-token",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	t.Cleanup(m.Close)
	return m
}

// URL returns the WebSocket URL of the mock hub.
func (m *mockHub) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

// Close shuts down the mock hub.
func (m *mockHub) Close() {
	m.mu.Lock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func (m *mockHub) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+m.authToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("WebSocket upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.accepted++
	closeCode := m.closeCode
	m.mu.Unlock()

	if closeCode != 0 {
		// Let the greeting land so the agent reaches the authenticated state.
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.greetings = append(m.greetings, string(data))
		m.mu.Unlock()
	}
}

// SendRaw writes a text frame to every connected agent.
func (m *mockHub) SendRaw(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
			m.t.Logf("send failed: %v", err)
		}
	}
}

// DropAll closes every connection from the hub side.
func (m *mockHub) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close()
	}
}

// SetCloseCode makes the hub close new connections right after the upgrade.
func (m *mockHub) SetCloseCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCode = code
}

func (m *mockHub) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *mockHub) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *mockHub) Greetings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.greetings...)
}

// transition is one observed state change.
type transition struct {
	from, to State
	at       time.Time
}

// stateRecorder is a StateHandler that keeps every transition.
type stateRecorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *stateRecorder) OnStateChange(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from: from, to: to, at: time.Now()})
}

// entries returns the times at which the given state was entered.
func (r *stateRecorder) entries(s State) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for _, tr := range r.transitions {
		if tr.to == s {
			out = append(out, tr.at)
		}
	}
	return out
}

// press is one executor invocation.
type press struct {
	key string
	d   time.Duration
}

// recordingExecutor records presses and can be told to fail.
type recordingExecutor struct {
	mu      sync.Mutex
	presses []press
	fail    func(key string) error
}

func (e *recordingExecutor) Press(ctx context.Context, key string, d time.Duration) error {
	e.mu.Lock()
	e.presses = append(e.presses, press{key: key, d: d})
	fail := e.fail
	e.mu.Unlock()
	if fail != nil {
		return fail(key)
	}
	return nil
}

func (e *recordingExecutor) Presses() []press {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]press{}, e.presses...)
}

// testConfig returns an agent config pointed at url with a short backoff.
func testConfig(url string, delay time.Duration) *config.Config {
	return &config.Config{
		HubURL:           url,
		Token:            "test-token",
		Greeting:         "hello",
		HandshakeTimeout: 2 * time.Second,
		BackoffPolicy:    config.BackoffConstant,
		Backoff:          delay,
		MaxBackoff:       delay,
		AgentName:        "test-agent",
	}
}

// waitFor polls cond until it is true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// runSession starts s in the background and returns a stop function that
// cancels it and waits for Run to return.
func runSession(t *testing.T, s *Session) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	stop = func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("session did not stop within 2s")
		}
	}
	t.Cleanup(stop)
	return stop
}
