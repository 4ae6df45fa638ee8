package workflow

import (
	"errors"
	"time"

	"github.com/example/ekko-capture/internal/capture"
)

var (
	// ErrBusy rejects a capture while another one is in flight.
	ErrBusy = errors.New("capture already in progress")
	// ErrInvalidTransition rejects an action the current state does not allow.
	ErrInvalidTransition = errors.New("action not allowed in current state")
	// ErrSuperseded is returned by a capture whose result arrived after a reset.
	ErrSuperseded = errors.New("capture superseded by a newer action")
	// ErrClosed rejects any action on a torn down workflow.
	ErrClosed = errors.New("workflow closed")
)

// Phase is the tag of the workflow state.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseAcquiring     Phase = "acquiring"
	PhasePreprocessing Phase = "preprocessing"
	PhaseRecognizing   Phase = "recognizing"
	PhaseResolved      Phase = "resolved"
	PhaseConfirmed     Phase = "confirmed"
	PhaseFailed        Phase = "failed"
)

// Pending reports whether a suspend point is outstanding in this phase.
func (p Phase) Pending() bool {
	return p == PhaseAcquiring || p == PhasePreprocessing || p == PhaseRecognizing
}

// allowed is the transition table. Anything missing here is a programming error.
var allowed = map[Phase]map[Phase]bool{
	PhaseIdle:          {PhaseAcquiring: true, PhaseFailed: true, PhaseResolved: true, PhaseIdle: true},
	PhaseAcquiring:     {PhasePreprocessing: true, PhaseFailed: true, PhaseIdle: true},
	PhasePreprocessing: {PhaseRecognizing: true, PhaseFailed: true, PhaseIdle: true},
	PhaseRecognizing:   {PhaseResolved: true, PhaseFailed: true, PhaseIdle: true},
	PhaseResolved:      {PhaseConfirmed: true, PhaseIdle: true},
	PhaseFailed:        {PhaseIdle: true},
	PhaseConfirmed:     {},
}

// State is a snapshot of one workflow.
type State struct {
	Phase Phase `json:"phase"`
	// Field is set in Resolved(Some) and Confirmed.
	Field *capture.ExtractedField `json:"field,omitempty"`
	// Failure is set in Failed.
	Failure capture.ErrorKind `json:"failure,omitempty"`
	// Retryable tells clients a new capture may be started without a reset.
	Retryable bool   `json:"retryable"`
	Error     string `json:"error,omitempty"`
	// Prefill is the editable value of Idle-with-prefill.
	Prefill    string    `json:"prefill,omitempty"`
	Detections int       `json:"detections"`
	Epoch      uint64    `json:"epoch"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Found reports Resolved(Some).
func (s State) Found() bool { return s.Phase == PhaseResolved && s.Field != nil }

// Transition is delivered to observers for every state change.
type Transition struct {
	WorkflowID string
	UserID     string
	Grammar    capture.Grammar
	From       State
	To         State
}

// Observer receives transitions in order. Observers must not call back into the
// workflow; everything they need is on the Transition.
type Observer func(Transition)
