package screenrecord

// State 录屏会话状态
type State int

const (
	StateIdle State = iota
	StateStarting
	StatePolling
	StateRunning
	StateStopping
	StateRetrieving
	StateDone
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateStarting:   "starting",
	StatePolling:    "polling",
	StateRunning:    "running",
	StateStopping:   "stopping",
	StateRetrieving: "retrieving",
	StateDone:       "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
