// Package bridge drives the external frame grabber process over its
// newline-delimited stdin/stdout protocol and turns its replies into
// stacked observations and episode boundaries.
package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol tokens
const (
	ReadyToken      = "FRAMEGRABBER:READY"
	PrepareSignal   = "p"
	NextGameCommand = "NEXTGAME"
	KeySeparator    = "|"
)

var (
	// ErrProtocol marks a desynchronised or malformed exchange. Always fatal.
	ErrProtocol = errors.New("protocol desync")
	// ErrChildUnavailable marks a dead child process or a closed pipe.
	ErrChildUnavailable = errors.New("frame grabber unavailable")
	// ErrEpisodeDone is returned by Step once the episode has ended.
	ErrEpisodeDone = errors.New("episode is done, reset required")
	// ErrNoObservation is returned by Reset when no frame arrived at all.
	ErrNoObservation = errors.New("no frame received during reset")
	// ErrNotOpen is returned when the bridge is used before Open.
	ErrNotOpen = errors.New("bridge is not open")
	// ErrUnknownKey is returned for action tokens outside the key set.
	ErrUnknownKey = errors.New("unknown key token")
)

// ProtocolError describes a response line that could not be interpreted.
type ProtocolError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol desync: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s (line %q)", msg, truncate(e.Line, 64))
}

// Is reports ErrProtocol so callers can classify with errors.Is.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DefaultKeys is the key vocabulary understood by the frame grabber.
var DefaultKeys = []string{"w", "a", "d", "shift"}

// DefaultActions is the ten-action vocabulary used for the platformer.
var DefaultActions = []string{
	"w", "a", "d",
	"w|a", "w|d",
	"w|a|shift", "w|d|shift",
	"w|shift", "d|shift", "a|shift",
}

// ActionSet maps discrete action indices to encoded key commands.
type ActionSet struct {
	keys     map[string]struct{}
	commands []string
}

// NewActionSet validates every action against keys. Actions are
// KeySeparator-joined key tokens.
func NewActionSet(keys, actions []string) (*ActionSet, error) {
	if len(actions) == 0 {
		return nil, errors.New("action set must not be empty")
	}

	set := &ActionSet{
		keys:     make(map[string]struct{}, len(keys)),
		commands: make([]string, 0, len(actions)),
	}
	for _, k := range keys {
		set.keys[strings.ToLower(k)] = struct{}{}
	}

	for i, action := range actions {
		tokens := ParseAction(action)
		if len(tokens) == 0 {
			return nil, fmt.Errorf("action %d is empty", i)
		}
		for _, tok := range tokens {
			if _, ok := set.keys[tok]; !ok {
				return nil, fmt.Errorf("action %d (%q): %w %q", i, action, ErrUnknownKey, tok)
			}
		}
		set.commands = append(set.commands, EncodeAction(tokens))
	}
	return set, nil
}

// Len returns the number of actions.
func (s *ActionSet) Len() int {
	return len(s.commands)
}

// Command returns the wire encoding of action i.
func (s *ActionSet) Command(i int) (string, error) {
	if i < 0 || i >= len(s.commands) {
		return "", fmt.Errorf("action index %d out of range [0,%d)", i, len(s.commands))
	}
	return s.commands[i], nil
}

// EncodeAction joins pressed keys into a command.
func EncodeAction(keys []string) string {
	return strings.Join(keys, KeySeparator)
}

// ParseAction splits a command into lower-cased key tokens.
func ParseAction(command string) []string {
	var tokens []string
	for _, tok := range strings.Split(command, KeySeparator) {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}
