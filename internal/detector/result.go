package detector

import "time"

// State is the detector's position in the completion state machine.
type State int

const (
	StateNotStarted State = iota
	StateStreaming
	StateStableCandidate
	StateExtending
	StateDone
	StateTimedOutEmpty
	StateTimedOutPartial
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateStreaming:
		return "STREAMING"
	case StateStableCandidate:
		return "STABLE_CANDIDATE"
	case StateExtending:
		return "EXTENDING"
	case StateDone:
		return "DONE"
	case StateTimedOutEmpty:
		return "TIMED_OUT_EMPTY"
	case StateTimedOutPartial:
		return "TIMED_OUT_PARTIAL"
	default:
		return "UNKNOWN"
	}
}

// Outcome says why Await returned.
type Outcome string

const (
	OutcomeDone               Outcome = "done"
	OutcomeDoneAfterExtension Outcome = "done_after_extension"
	OutcomeSafetyCap          Outcome = "safety_cap"
	OutcomeTimedOutEmpty      Outcome = "timed_out_empty"
	OutcomeTimedOutPartial    Outcome = "timed_out_partial"
	OutcomeCanceled           Outcome = "canceled"
)

// StartMode says how the start of the answer was recognized.
type StartMode string

const (
	StartNone     StartMode = ""
	StartAppended StartMode = "appended"
	StartInPlace  StartMode = "in_place"
)

// Result is the final answer plus timing metadata.
type Result struct {
	// Text is the sanitized answer, possibly empty.
	Text string `json:"text"`
	// Raw is the aggregated answer before sanitizing. Blocks are separated by
	// a blank line.
	Raw       string    `json:"raw"`
	Outcome   Outcome   `json:"outcome"`
	State     State     `json:"-"`
	StartMode StartMode `json:"start_mode,omitempty"`
	// Probe names the strategy that last produced the answer.
	Probe string `json:"probe,omitempty"`

	StartedAt     time.Time `json:"started_at"`
	FirstGrowthAt time.Time `json:"first_growth_at,omitempty"`
	LastGrowthAt  time.Time `json:"last_growth_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
	Polls         int       `json:"polls"`
	Extended      bool      `json:"extended"`
	// Suspicious is set when the final answer is still shorter than the
	// configured minimum.
	Suspicious bool `json:"suspicious"`
}

// Elapsed is the total time spent waiting.
func (r Result) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TimeToFirstToken is the delay before the answer first grew, or zero if it never did.
func (r Result) TimeToFirstToken() time.Duration {
	if r.FirstGrowthAt.IsZero() {
		return 0
	}
	return r.FirstGrowthAt.Sub(r.StartedAt)
}
