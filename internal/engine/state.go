package engine

// State is the enforcement state of one user.
type State int

const (
	Unrestricted State = iota
	Warning
	FinalCountdown
	Terminating
	Cooldown
)

var stateNames = []string{
	Unrestricted:   "unrestricted",
	Warning:        "warning",
	FinalCountdown: "final_countdown",
	Terminating:    "terminating",
	Cooldown:       "cooldown",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// States lists every state in order.
func States() []State {
	return []State{Unrestricted, Warning, FinalCountdown, Terminating, Cooldown}
}
