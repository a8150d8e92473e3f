package harness

import (
	"slices"
	"time"
)

// Trace event types.
const (
	EventPhase    = "phase"
	EventSchedule = "schedule"
	EventResult   = "result"
	EventFailure  = "failure"
	EventAwait    = "await"
	EventContinue = "continue_as_new"
	EventFinish   = "finish"
)

// TraceEvent is one controller-visible step of a run.
//
// Seq numbers activities within a generation, in scheduling order. Input
// and Output hold decoded JSON (numbers as json.Number).
type TraceEvent struct {
	Type       string `json:"type"`
	Generation int64  `json:"generation"`
	Seq        int64  `json:"seq,omitempty"`
	Activity   string `json:"activity,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Input      any    `json:"input,omitempty"`
	Output     any    `json:"output,omitempty"`
	Count      int    `json:"count,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when the run matched expect and every assertion held.
	Pass bool `json:"pass"`

	// Status and Generation are the final run status and generation.
	Status     string `json:"status"`
	Generation int64  `json:"generation"`

	// Error is the failure recorded on the run, if any.
	Error string `json:"error,omitempty"`

	// Trace contains the controller's steps in order.
	Trace []TraceEvent `json:"trace"`

	// RetryDelays are the backoff delays the engine requested, sorted.
	RetryDelays []time.Duration `json:"retry_delays,omitempty"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Scheduled returns the schedule events of the trace.
func (r *Result) Scheduled() []TraceEvent {
	return scheduled(r.Trace)
}

func scheduled(trace []TraceEvent) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Type == EventSchedule {
			out = append(out, ev)
		}
	}
	return out
}

func sortedDelays(delays []time.Duration) []time.Duration {
	out := slices.Clone(delays)
	slices.Sort(out)
	return out
}
