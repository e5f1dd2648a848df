package pipeline

import (
	"slices"

	"orbitguard/internal/risk"
	dErrors "orbitguard/pkg/domain-errors"
)

// State is a stage of one event's lifecycle.
type State string

const (
	StateIngested  State = "INGESTED"
	StateAssessed  State = "ASSESSED"
	StatePlanned   State = "PLANNED"
	StateValidated State = "VALIDATED"
	StateRecorded  State = "RECORDED"
)

// transitions is the complete set of legal moves. LOW_RISK events skip
// planning and validation.
var transitions = map[State][]State{
	StateIngested:  {StateAssessed},
	StateAssessed:  {StatePlanned, StateRecorded},
	StatePlanned:   {StateValidated},
	StateValidated: {StateRecorded},
}

// machine tracks one event. It is not shared between goroutines.
type machine struct {
	state State
	trace []State
}

func newMachine() *machine {
	return &machine{state: StateIngested, trace: []State{StateIngested}}
}

// advance moves to next, or fails with CodeInternal if the move is illegal.
func (m *machine) advance(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return dErrors.Newf(dErrors.CodeInternal, "illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}

// afterAssessment is the only branch point: the classification alone decides it.
func afterAssessment(a risk.Assessment) State {
	if a.Classification == risk.HighRisk {
		return StatePlanned
	}
	return StateRecorded
}

func (m *machine) history() []State {
	return append([]State(nil), m.trace...)
}
