package sandbox

import "fmt"

// State is the lifecycle position of a sandbox.
//
//	Idle -> Busy        on checkout from the pool
//	Busy -> Restarting  when a job ends, or on Restart
//	Restarting -> Idle  when recovery finishes, successful or not
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
