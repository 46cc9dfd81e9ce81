package coordinator

import (
	"fmt"
	"sync"
)

// State is the phase of one sub-item extraction attempt.
type State int

// Attempt phases. Failed always leads back to Idle and a fresh attempt.
const (
	Idle State = iota
	Attaching
	Navigating
	Resolving
	Writing
	Done
	Failed
)

var stateNames = [...]string{
	Idle:       "idle",
	Attaching:  "attaching",
	Navigating: "navigating",
	Resolving:  "resolving",
	Writing:    "writing",
	Done:       "done",
	Failed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// allowed lists the legal successors of each state.
var allowed = map[State][]State{
	Idle:       {Attaching},
	Attaching:  {Navigating, Failed},
	Navigating: {Resolving, Failed},
	Resolving:  {Writing, Failed},
	Writing:    {Done, Failed},
	Failed:     {Idle},
	Done:       nil,
}

// TransitionFunc observes every state change of an attempt.
type TransitionFunc func(url string, attempt int, from, to State)

// machine tracks one sub-item across its attempts.
type machine struct {
	url     string
	attempt int
	hook    TransitionFunc

	mu    sync.Mutex
	state State
}

func newMachine(url string, hook TransitionFunc) *machine {
	return &machine{url: url, hook: hook, state: Idle}
}

// to moves the machine to next, rejecting illegal transitions.
func (m *machine) to(next State) error {
	m.mu.Lock()
	from := m.state
	ok := false
	for _, s := range allowed[from] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, next)
	}
	m.state = next
	attempt := m.attempt
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(m.url, attempt, from, next)
	}
	return nil
}

// fail records a failed attempt and rewinds to Idle.
func (m *machine) fail() {
	from := m.current()
	if from == Idle || from == Done {
		return
	}
	if from != Failed {
		// Attaching failures are folded into Failed as well.
		_ = m.to(Failed)
	}
	_ = m.to(Idle)
}

// begin starts the given attempt from Idle.
func (m *machine) begin(attempt int) error {
	m.mu.Lock()
	m.attempt = attempt
	m.mu.Unlock()
	return m.to(Attaching)
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
