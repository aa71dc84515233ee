// Package agent implements the keyrelay agent.
package agent

import (
	"context"

	"github.com/markus-barta/keyrelay/internal/config"
	"github.com/rs/zerolog"
)

// Version is the agent version.
const Version = "1.0.0"

// Agent is the main agent struct that ties the session to an executor.
type Agent struct {
	cfg     *config.Config
	log     zerolog.Logger
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an agent. A nil executor selects one from the configuration.
func New(cfg *config.Config, log zerolog.Logger, exec Executor) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	if exec == nil {
		exec = NewExecutor(cfg, log)
	}
	a := &Agent{
		cfg:    cfg,
		log:    log.With().Str("component", "agent").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	a.session = NewSession(cfg, log, exec, a)
	return a
}

// Run connects to the hub and blocks until Shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("agent", a.cfg.AgentName).
		Str("url", a.cfg.HubURL).
		Str("backoff_policy", a.cfg.BackoffPolicy).
		Dur("backoff", a.cfg.Backoff).
		Bool("dry_run", len(a.cfg.PressCommand) == 0).
		Msg("starting agent")

	a.session.Run(a.ctx)

	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown interrupts any pending dial, read or backoff wait.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
}

// State returns the session state.
func (a *Agent) State() State {
	return a.session.State()
}

// OnStateChange logs connection events.
func (a *Agent) OnStateChange(from, to State) {
	switch {
	case to == StateAuthenticated:
		a.log.Info().Msg("connected to hub, waiting for commands")
	case from == StateAuthenticated && to == StateBackoff:
		a.log.Warn().Msg("disconnected from hub")
	case to == StateStopped:
		a.log.Debug().Stringer("from", from).Msg("session stopped")
	}
}
