package relay_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/keyrelay/internal/agent"
	"github.com/markus-barta/keyrelay/internal/config"
	"github.com/markus-barta/keyrelay/internal/relay"
	"github.com/rs/zerolog"
)

const e2eToken = "e2e-token"

type pressLog struct {
	mu      sync.Mutex
	presses []string
}

func (p *pressLog) Press(ctx context.Context, key string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presses = append(p.presses, key+"/"+d.String())
	return nil
}

func (p *pressLog) Presses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.presses...)
}

type e2eAgent struct {
	agent *agent.Agent
	log   *pressLog
	done  chan struct{}
}

func (a *e2eAgent) Kill(t *testing.T) {
	t.Helper()
	a.agent.Shutdown()
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func startHub(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	cfg := &relay.Config{Token: e2eToken, WriteTimeout: time.Second, MaxDurationMS: 10000}
	s, err := relay.New(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Hub().Shutdown()
		ts.Close()
	})
	return s, ts
}

func startAgent(t *testing.T, ts *httptest.Server, name string) *e2eAgent {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HubURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cfg.Token = e2eToken
	cfg.AgentName = name
	cfg.Backoff = 100 * time.Millisecond

	log := &pressLog{}
	a := &e2eAgent{
		agent: agent.New(cfg, zerolog.Nop(), log),
		log:   log,
		done:  make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		_ = a.agent.Run()
	}()
	t.Cleanup(func() {
		a.agent.Shutdown()
		<-a.done
	})
	return a
}

func gift(t *testing.T, ts *httptest.Server, query string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/gift?"+query, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("invalid JSON %q: %v", body, err)
	}
	return resp.StatusCode, m
}

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

func TestEndToEnd_TwoAgents(t *testing.T) {
	hub, ts := startHub(t)
	a := startAgent(t, ts, "a")
	b := startAgent(t, ts, "b")

	waitFor(t, 3*time.Second, "both agents", func() bool { return hub.Hub().Registry().Len() == 2 })

	status, body := gift(t, ts, "token="+e2eToken+"&key=a&duration_ms=100")
	if status != http.StatusOK || body["sent_to"] != float64(2) {
		t.Fatalf("expected 200 sent_to 2, got %d %v", status, body)
	}

	for name, ag := range map[string]*e2eAgent{"a": a, "b": b} {
		waitFor(t, 2*time.Second, "press on agent "+name, func() bool { return len(ag.log.Presses()) == 1 })
		if got := ag.log.Presses()[0]; got != "a/100ms" {
			t.Errorf("agent %s: expected a/100ms, got %s", name, got)
		}
	}
}

func TestEndToEnd_WrongToken(t *testing.T) {
	hub, ts := startHub(t)
	a := startAgent(t, ts, "a")
	waitFor(t, 3*time.Second, "agent", func() bool { return hub.Hub().Registry().Len() == 1 })

	status, body := gift(t, ts, "token=wrong&key=a")
	if status != http.StatusUnauthorized || body["detail"] != "Invalid token" {
		t.Fatalf("expected 401 Invalid token, got %d %v", status, body)
	}

	time.Sleep(200 * time.Millisecond)
	if n := len(a.log.Presses()); n != 0 {
		t.Errorf("expected no presses, got %d", n)
	}
}

func TestEndToEnd_KilledAgent(t *testing.T) {
	hub, ts := startHub(t)
	a := startAgent(t, ts, "a")
	b := startAgent(t, ts, "b")
	registry := hub.Hub().Registry()

	waitFor(t, 3*time.Second, "both agents", func() bool { return registry.Len() == 2 })

	b.Kill(t)
	waitFor(t, 3*time.Second, "registry to drop the killed agent", func() bool { return registry.Len() == 1 })

	status, body := gift(t, ts, "token="+e2eToken+"&key=z")
	if status != http.StatusOK || body["sent_to"] != float64(1) {
		t.Fatalf("expected 200 sent_to 1, got %d %v", status, body)
	}
	waitFor(t, 2*time.Second, "press on survivor", func() bool { return len(a.log.Presses()) == 1 })
	if got := a.log.Presses()[0]; got != "z/50ms" {
		t.Errorf("expected z/50ms, got %s", got)
	}
	if len(b.log.Presses()) != 0 {
		t.Error("killed agent received a press")
	}
	if registry.Len() != 1 {
		t.Errorf("expected exactly one connection left, got %d", registry.Len())
	}
}

func TestEndToEnd_HubRestartReconnects(t *testing.T) {
	cfg := &relay.Config{Token: e2eToken, WriteTimeout: time.Second, MaxDurationMS: 10000}
	s, err := relay.New(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	a := startAgent(t, ts, "a")
	waitFor(t, 3*time.Second, "agent", func() bool { return s.Hub().Registry().Len() == 1 })

	// Dropping every connection hub-side forces the agent through backoff.
	s.Hub().Shutdown()
	waitFor(t, 3*time.Second, "reconnect", func() bool { return s.Hub().Registry().Len() == 1 })

	status, body := gift(t, ts, "token="+e2eToken+"&key=r")
	if status != http.StatusOK || body["sent_to"] != float64(1) {
		t.Fatalf("expected sent_to 1 after reconnect, got %d %v", status, body)
	}
	waitFor(t, 2*time.Second, "press after reconnect", func() bool { return len(a.log.Presses()) == 1 })
	s.Hub().Shutdown()
}
