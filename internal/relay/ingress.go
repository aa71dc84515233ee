package relay

import (
	"context"
	"time"

	"github.com/markus-barta/keyrelay/internal/protocol"
	"github.com/rs/zerolog"
)

// auditTimeout bounds the audit write so a slow disk cannot hold a trigger.
const auditTimeout = 2 * time.Second

// Trigger is one external request to press a key.
type Trigger struct {
	Token      string
	Key        string
	Duration   string // raw duration_ms value, may be empty
	RemoteAddr string
}

// Ingress validates triggers and hands them to the hub.
type Ingress struct {
	log           zerolog.Logger
	auth          *AuthGate
	hub           *Hub
	store         Store // optional
	maxDurationMS int
}

// NewIngress creates an ingress. store may be nil.
func NewIngress(log zerolog.Logger, auth *AuthGate, hub *Hub, store Store, maxDurationMS int) *Ingress {
	return &Ingress{
		log:           log.With().Str("component", "ingress").Logger(),
		auth:          auth,
		hub:           hub,
		store:         store,
		maxDurationMS: maxDurationMS,
	}
}

// Submit authenticates and validates t, broadcasts one press command and
// returns how many connections received it. The token is checked before the
// key, and nothing is broadcast on any error.
func (i *Ingress) Submit(ctx context.Context, t Trigger) (int, error) {
	if !i.auth.Authenticate(t.Token) {
		i.log.Warn().Str("remote", t.RemoteAddr).Msg("trigger rejected: invalid token")
		return 0, ErrUnauthorized
	}

	cmd, err := protocol.NewPress(t.Key, i.clamp(protocol.ParseDurationMS(t.Duration)))
	if err != nil {
		i.log.Debug().Err(err).Str("remote", t.RemoteAddr).Msg("trigger rejected")
		return 0, err
	}

	sent, err := i.hub.Broadcast(cmd)
	if err != nil {
		return 0, err
	}

	i.log.Info().
		Str("key", cmd.Key).
		Int("duration_ms", cmd.DurationMS).
		Int("sent_to", sent).
		Msg("trigger relayed")

	i.audit(ctx, TriggerRecord{
		Key:        cmd.Key,
		DurationMS: cmd.DurationMS,
		SentTo:     sent,
		RemoteAddr: t.RemoteAddr,
		CreatedAt:  time.Now(),
	})
	return sent, nil
}

func (i *Ingress) clamp(ms int) int {
	if ms < 0 {
		return 0
	}
	if i.maxDurationMS > 0 && ms > i.maxDurationMS {
		return i.maxDurationMS
	}
	return ms
}

func (i *Ingress) audit(ctx context.Context, rec TriggerRecord) {
	if i.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := i.store.RecordTrigger(ctx, rec); err != nil {
		i.log.Error().Err(err).Msg("failed to record trigger")
	}
}
