package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/keyrelay/internal/config"
	"github.com/markus-barta/keyrelay/internal/protocol"
	"github.com/rs/zerolog"
)

// State is the position of a Session in its reconnect cycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrTransport wraps dial, handshake and read failures. Always recoverable.
	ErrTransport = errors.New("transport failure")

	// ErrAction wraps executor failures. Logged, never fatal to the session.
	ErrAction = errors.New("action failure")

	// ErrRejected marks a connection the hub closed with a policy violation,
	// which is how it refuses a bad token.
	ErrRejected = errors.New("rejected by hub")
)

// StateHandler is called on every state transition, from the session goroutine.
type StateHandler interface {
	OnStateChange(from, to State)
}

// Connection parameters
const (
	pingInterval            = 30 * time.Second
	pongWait                = 45 * time.Second
	writeWait               = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// Hub frames are single commands.
	maxMessageSize = 4 * 1024

	// A connection that stays up this long, or delivers a frame, resets the
	// backoff policy.
	stableAfter = 10 * time.Second
)

// Session owns the single logical connection of an agent to the hub. It
// dials, receives and dispatches commands one at a time, and reconnects
// after every failure until its context is cancelled.
type Session struct {
	cfg     *config.Config
	log     zerolog.Logger
	exec    Executor
	handler StateHandler
	policy  backoff.BackOff
	dialer  websocket.Dialer

	state    atomic.Int32
	attempts atomic.Int64
}

// NewSession creates a session. handler may be nil.
func NewSession(cfg *config.Config, log zerolog.Logger, exec Executor, handler StateHandler) *Session {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Session{
		cfg:     cfg,
		log:     log.With().Str("component", "session").Logger(),
		exec:    exec,
		handler: handler,
		policy:  NewBackOff(cfg),
		dialer:  websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// Run drives the state machine. It blocks until ctx is cancelled and then
// leaves the session in StateStopped.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			s.log.Debug().Msg("context cancelled, stopping")
			return
		}

		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := s.nextDelay()
			s.log.Error().Err(err).Dur("backoff", delay).Msg("connection failed, retrying")
			if !s.wait(ctx, delay) {
				return
			}
			continue
		}

		connectedAt := time.Now()
		s.setState(StateAuthenticated)

		err = s.receive(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		rejected := errors.Is(err, ErrRejected)
		if !rejected && time.Since(connectedAt) >= stableAfter {
			s.policy.Reset()
		}
		delay := s.nextDelay()
		if rejected {
			delay = s.rejectedDelay(delay)
		}
		s.log.Warn().Err(err).Dur("backoff", delay).Msg("connection lost, reconnecting")
		if !s.wait(ctx, delay) {
			return
		}
	}
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Attempts returns the number of dial attempts so far.
func (s *Session) Attempts() int64 {
	return s.attempts.Load()
}

// IsConnected returns whether the session currently holds a connection.
func (s *Session) IsConnected() bool {
	return s.State() == StateAuthenticated
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	s.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("state change")
	if s.handler != nil {
		s.handler.OnStateChange(prev, next)
	}
}

// connect dials the hub and sends the greeting.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	s.attempts.Add(1)
	s.log.Debug().Str("url", s.cfg.HubURL).Int64("attempt", s.Attempts()).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	if s.cfg.AgentName != "" {
		header.Set(protocol.AgentHeader, s.cfg.AgentName)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.HubURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	if s.cfg.Greeting != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(s.cfg.Greeting)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: greeting: %v", ErrTransport, err)
		}
	}

	return conn, nil
}

// receive reads until the connection fails. Cancelling ctx closes the
// connection, which unblocks the pending read. The first data frame resets
// the backoff policy.
func (s *Session) receive(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	go s.pingLoop(conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	healthy := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				s.log.Error().Str("reason", closeErr.Text).Msg("hub rejected the token")
				return fmt.Errorf("%w: %w: %v", ErrTransport, ErrRejected, err)
			}
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}

		if !healthy {
			healthy = true
			s.policy.Reset()
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(ctx, data)
	}
}

// dispatch handles one payload. Malformed and unknown payloads are dropped.
func (s *Session) dispatch(ctx context.Context, data []byte) {
	cmd, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug().Err(err).Int("bytes", len(data)).Msg("discarding malformed payload")
		return
	}
	if !cmd.IsPress() {
		s.log.Debug().Str("type", cmd.Type).Msg("ignoring unknown message type")
		return
	}

	s.log.Info().Str("key", cmd.Key).Int("duration_ms", cmd.DurationMS).Msg("pressing key")
	if err := s.press(ctx, cmd); err != nil {
		s.log.Error().Err(err).Str("key", cmd.Key).Msg("key action failed")
	}
}

func (s *Session) press(ctx context.Context, cmd protocol.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrAction, r)
		}
	}()
	if err := s.exec.Press(ctx, cmd.Key, time.Duration(cmd.DurationMS)*time.Millisecond); err != nil {
		return fmt.Errorf("%w: %v", ErrAction, err)
	}
	return nil
}

// pingLoop sends periodic pings until done is closed or a ping fails.
func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Session) nextDelay() time.Duration {
	d := s.policy.NextBackOff()
	if d == backoff.Stop {
		d = s.cfg.Backoff
	}
	return d
}

// rejectedDelay keeps a refused agent from retrying at the initial interval.
// The exponential policy jumps to its cap; the constant one keeps its delay.
func (s *Session) rejectedDelay(d time.Duration) time.Duration {
	if s.cfg.BackoffPolicy == config.BackoffExponential && s.cfg.MaxBackoff > d {
		return s.cfg.MaxBackoff
	}
	return d
}

// wait holds the session in StateBackoff for d. It returns false if ctx was
// cancelled first.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	s.setState(StateBackoff)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
