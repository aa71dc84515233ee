package agent

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/markus-barta/keyrelay/internal/config"
)

// jitter spreads reconnects of many agents after a hub restart.
const jitter = 0.2

// NewBackOff returns the reconnect policy configured in cfg. The constant
// policy waits the same delay forever; the exponential one doubles up to
// MaxBackoff. Neither gives up.
func NewBackOff(cfg *config.Config) backoff.BackOff {
	if cfg.BackoffPolicy == config.BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.Backoff
		b.MaxInterval = cfg.MaxBackoff
		b.Multiplier = 2
		b.RandomizationFactor = jitter
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(cfg.Backoff)
}
