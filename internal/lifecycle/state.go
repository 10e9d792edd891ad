// Package lifecycle gates traffic on the model backend having a running
// instance. Instances are ephemeral: they start cold, get replaced, or stop
// entirely when idle.
package lifecycle

import (
	"sort"
	"strings"
	"time"
)

// State is the lifecycle state reported for one backend instance.
type State int

const (
	StateUnknown State = iota
	StateStarting
	StateStarted
	StateStopped
	StateReplacing
)

var stateNames = map[State]string{
	StateUnknown:   "unknown",
	StateStarting:  "starting",
	StateStarted:   "started",
	StateStopped:   "stopped",
	StateReplacing: "replacing",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return stateNames[StateUnknown]
}

// ParseState maps a backend state string onto State. Anything unrecognised
// (created, destroying, ...) is StateUnknown.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting":
		return StateStarting
	case "started":
		return StateStarted
	case "stopped":
		return StateStopped
	case "replacing":
		return StateReplacing
	default:
		return StateUnknown
	}
}

// Instance is one compute unit of the backend.
type Instance struct {
	ID    string
	State State
}

// Snapshot is the ordered list of instances observed in one poll.
type Snapshot []Instance

// States summarises the snapshot for logging.
func (s Snapshot) States() map[string]string {
	out := make(map[string]string, len(s))
	for _, inst := range s {
		out[inst.ID] = inst.State.String()
	}
	return out
}

func (s Snapshot) has(states ...State) bool {
	for _, inst := range s {
		for _, st := range states {
			if inst.State == st {
				return true
			}
		}
	}
	return false
}

func (s Snapshot) all(state State) bool {
	for _, inst := range s {
		if inst.State != state {
			return false
		}
	}
	return true
}

// Action is what the poller does after observing a snapshot.
type Action int

const (
	// ActionReady ends polling successfully.
	ActionReady Action = iota
	// ActionWait sleeps one interval and polls again.
	ActionWait
	// ActionStart issues a start command, then waits.
	ActionStart
)

func (a Action) String() string {
	switch a {
	case ActionReady:
		return "ready"
	case ActionWait:
		return "wait"
	case ActionStart:
		return "start"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	// InstanceID is set for ActionStart.
	InstanceID string
	Delay      time.Duration
	Reason     string
}

// Decide maps a snapshot onto the next action. It depends only on the set of
// states present, never on earlier cycles.
func Decide(snapshot Snapshot, interval time.Duration) Decision {
	switch {
	case len(snapshot) == 0:
		return Decision{Action: ActionWait, Delay: interval, Reason: "no instances found"}
	case snapshot.has(StateStarted):
		return Decision{Action: ActionReady, Reason: "instance started"}
	case snapshot.has(StateStarting, StateReplacing):
		return Decision{Action: ActionWait, Delay: interval, Reason: "instance starting or being replaced"}
	case snapshot.all(StateStopped):
		return Decision{Action: ActionStart, InstanceID: snapshot[0].ID, Delay: interval, Reason: "all instances stopped"}
	default:
		return Decision{Action: ActionWait, Delay: interval, Reason: "unexpected instance states " + summarize(snapshot)}
	}
}

func summarize(snapshot Snapshot) string {
	seen := map[string]bool{}
	for _, inst := range snapshot {
		seen[inst.State.String()] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ",") + "]"
}
