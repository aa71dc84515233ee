// Package protocol defines the WebSocket messages relayed from the hub to agents.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rivo/uniseg"
)

// Message types (hub → agent)
const (
	TypePress = "press"
)

// AgentHeader carries the agent's self-reported name during the handshake.
// The hub only logs it; connections are identified by their own ID.
const AgentHeader = "X-Relay-Agent"

// DefaultDurationMS is used when a trigger or payload carries no usable duration.
const DefaultDurationMS = 50

var (
	// ErrInvalidCommand reports a payload or trigger that cannot become a command.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidKey reports a key that is not exactly one character.
	ErrInvalidKey = fmt.Errorf("%w: invalid key", ErrInvalidCommand)

	ErrEmptyKey  = fmt.Errorf("%w: key is empty", ErrInvalidKey)
	ErrKeyLength = fmt.Errorf("%w: key must be 1 char", ErrInvalidKey)
)

// Command is the unit of work sent to agents. It is built once per trigger
// and never modified afterwards.
type Command struct {
	Type       string `json:"type"`
	Key        string `json:"key"`
	DurationMS int    `json:"duration_ms"`
}

// NewPress builds a press command. The key is trimmed and must be a single
// character (one grapheme cluster) afterwards.
func NewPress(key string, durationMS int) (Command, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return Command{}, err
	}
	if durationMS < 0 {
		return Command{}, fmt.Errorf("%w: negative duration", ErrInvalidCommand)
	}
	return Command{Type: TypePress, Key: key, DurationMS: durationMS}, nil
}

// NormalizeKey trims surrounding whitespace and checks the single character rule.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrEmptyKey
	}
	if uniseg.GraphemeClusterCount(key) != 1 {
		return "", ErrKeyLength
	}
	return key, nil
}

// IsPress reports whether the command is a press command.
func (c Command) IsPress() bool {
	return c.Type == TypePress
}

// Encode returns the minified wire form.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses a wire payload. Payloads with an unknown type decode without
// error so receivers can skip them; only the fields of known types are checked.
func Decode(data []byte) (Command, error) {
	var raw struct {
		Type       string       `json:"type"`
		Key        *string      `json:"key"`
		DurationMS *json.Number `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if raw.Type == "" {
		return Command{}, fmt.Errorf("%w: missing type", ErrInvalidCommand)
	}

	cmd := Command{Type: raw.Type, DurationMS: DefaultDurationMS}
	if !cmd.IsPress() {
		if raw.Key != nil {
			cmd.Key = *raw.Key
		}
		return cmd, nil
	}

	if raw.Key == nil {
		return Command{}, fmt.Errorf("%w: missing key", ErrInvalidCommand)
	}
	key, err := NormalizeKey(*raw.Key)
	if err != nil {
		return Command{}, err
	}
	cmd.Key = key

	if raw.DurationMS != nil {
		f, err := strconv.ParseFloat(raw.DurationMS.String(), 64)
		if err != nil || f < 0 || f > math.MaxInt32 {
			return Command{}, fmt.Errorf("%w: bad duration_ms %q", ErrInvalidCommand, raw.DurationMS.String())
		}
		cmd.DurationMS = int(f)
	}

	return cmd, nil
}

// ParseDurationMS converts a raw trigger value into milliseconds. Absent or
// non-numeric input yields DefaultDurationMS.
func ParseDurationMS(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultDurationMS
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultDurationMS
	}
	return n
}
