// Package lifecycle tracks foreground and background transitions, enforces
// the background execution budget and gates inference accordingly.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ErrInvalidTransition is returned for an event that is not valid in the
// current state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State is the application lifecycle state.
type State int

const (
	StateActive State = iota
	StateInactive
	StateForeground
	StateBackground
)

var stateNames = [...]string{"active", "inactive", "foreground", "background"}

func (s State) String() string {
	if s < StateActive || s > StateBackground {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is an OS lifecycle notification.
type Event int

const (
	EventWillResignActive Event = iota
	EventDidEnterBackground
	EventWillEnterForeground
	EventDidBecomeActive
)

var eventNames = [...]string{"will_resign_active", "did_enter_background", "will_enter_foreground", "did_become_active"}

func (e Event) String() string {
	if e < EventWillResignActive || e > EventDidBecomeActive {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// ParseEvent parses an event name.
func ParseEvent(raw string) (Event, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range eventNames {
		if n == name {
			return Event(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", raw)
}

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{StateActive, EventWillResignActive}:        StateInactive,
	{StateActive, EventDidEnterBackground}:      StateBackground,
	{StateInactive, EventDidEnterBackground}:    StateBackground,
	{StateInactive, EventDidBecomeActive}:       StateActive,
	{StateBackground, EventWillEnterForeground}: StateForeground,
	{StateForeground, EventDidBecomeActive}:     StateActive,
	{StateForeground, EventDidEnterBackground}:  StateBackground,
}

func next(from State, ev Event) (State, error) {
	to, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Grant is a bounded window of background execution time.
type Grant interface {
	Remaining() time.Duration
	End()
}

// GrantProvider starts background grants.
type GrantProvider interface {
	Begin(name string) Grant
}

// TimedGrants hands out grants with a fixed wall-clock budget, for hosts
// that do not provide one.
type TimedGrants struct {
	Budget time.Duration
	Now    func() time.Time
}

// Begin implements GrantProvider.
func (g TimedGrants) Begin(string) Grant {
	now := g.Now
	if now == nil {
		now = time.Now
	}
	return &timedGrant{deadline: now().Add(g.Budget), now: now}
}

type timedGrant struct {
	deadline time.Time
	now      func() time.Time
	ended    atomic.Bool
}

func (g *timedGrant) Remaining() time.Duration {
	if g.ended.Load() {
		return 0
	}
	if rem := g.deadline.Sub(g.now()); rem > 0 {
		return rem
	}
	return 0
}

func (g *timedGrant) End() { g.ended.Store(true) }
