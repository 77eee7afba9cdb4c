package lockbox

import (
	"fmt"
	"strconv"
	"strings"
)

// StateKind tags a State.
type StateKind uint8

const (
	StateUnlocked StateKind = iota
	StateSweeping
	StateLocked
	StateInSequence
)

// State is the lockbox's current position: unlocked, sweeping, locked on the
// final stage, or holding stage i of the sequence. The zero value is
// Unlocked.
type State struct {
	kind  StateKind
	index int
}

var (
	Unlocked = State{kind: StateUnlocked}
	Sweeping = State{kind: StateSweeping}
	Locked   = State{kind: StateLocked}
)

// InSequence returns the state for sequence stage i.
func InSequence(i int) State {
	return State{kind: StateInSequence, index: i}
}

func (s State) Kind() StateKind { return s.kind }

// Index returns the stage index for InSequence states.
func (s State) Index() (int, bool) {
	if s.kind != StateInSequence {
		return 0, false
	}
	return s.index, true
}

func (s State) IsInSequence() bool { return s.kind == StateInSequence }

func (s State) String() string {
	switch s.kind {
	case StateSweeping:
		return "sweep"
	case StateLocked:
		return "lock"
	case StateInSequence:
		return strconv.Itoa(s.index)
	default:
		return "unlock"
	}
}

// ParseState parses the text form produced by String.
func ParseState(text string) (State, error) {
	switch v := strings.ToLower(strings.TrimSpace(text)); v {
	case "unlock", "unlocked":
		return Unlocked, nil
	case "sweep", "sweeping":
		return Sweeping, nil
	case "lock", "locked":
		return Locked, nil
	default:
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			return State{}, fmt.Errorf("lockbox state %q: expected unlock, sweep, lock or a stage index", text)
		}
		return InSequence(i), nil
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
