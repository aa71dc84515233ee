package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/keyrelay/internal/config"
	"github.com/rs/zerolog"
)

// Executor performs the physical key action for a received command.
type Executor interface {
	Press(ctx context.Context, key string, d time.Duration) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, key string, d time.Duration) error

// Press calls f.
func (f ExecutorFunc) Press(ctx context.Context, key string, d time.Duration) error {
	return f(ctx, key, d)
}

// NewExecutor picks the executor for cfg: external commands when a press
// command is configured, otherwise a dry run that only logs.
func NewExecutor(cfg *config.Config, log zerolog.Logger) Executor {
	if len(cfg.PressCommand) == 0 {
		return NewLogExecutor(log)
	}
	return NewExecExecutor(cfg.PressCommand, cfg.ReleaseCommand, log)
}

// LogExecutor logs presses without touching the host.
type LogExecutor struct {
	log zerolog.Logger
}

// NewLogExecutor creates a dry-run executor.
func NewLogExecutor(log zerolog.Logger) *LogExecutor {
	return &LogExecutor{log: log.With().Str("component", "executor").Logger()}
}

// Press logs the key and holds for d, like a real press would.
func (e *LogExecutor) Press(ctx context.Context, key string, d time.Duration) error {
	e.log.Info().Str("key", key).Dur("duration", d).Msg("dry run: press")
	return sleep(ctx, d)
}

// ExecExecutor runs external commands (xdotool, ydotool, ...) to press and
// release a key. Arguments may contain {key} and {ms} placeholders.
type ExecExecutor struct {
	press   []string
	release []string
	log     zerolog.Logger
}

// releaseTimeout bounds the release command, which runs even after cancellation.
const releaseTimeout = 5 * time.Second

// NewExecExecutor creates an executor from argv templates. With no release
// command the press command is expected to handle the duration itself via {ms}.
func NewExecExecutor(press, release []string, log zerolog.Logger) *ExecExecutor {
	return &ExecExecutor{
		press:   press,
		release: release,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// Press runs the press command, waits d, then runs the release command.
// A key that went down is always released.
func (e *ExecExecutor) Press(ctx context.Context, key string, d time.Duration) error {
	if err := e.run(ctx, e.press, key, d); err != nil {
		return fmt.Errorf("press %q: %w", key, err)
	}
	if len(e.release) == 0 {
		return nil
	}

	waitErr := sleep(ctx, d)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := e.run(releaseCtx, e.release, key, d); err != nil {
		return fmt.Errorf("release %q: %w", key, err)
	}
	return waitErr
}

func (e *ExecExecutor) run(ctx context.Context, argv []string, key string, d time.Duration) error {
	args := expand(argv, key, d)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	e.log.Debug().Strs("argv", args).Msg("command ok")
	return nil
}

func expand(argv []string, key string, d time.Duration) []string {
	ms := strconv.FormatInt(d.Milliseconds(), 10)
	out := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{key}", key)
		out[i] = strings.ReplaceAll(a, "{ms}", ms)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
