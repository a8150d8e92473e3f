package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/paysettle/internal/ident"
)

// TraceSnapshot captures the observable outcome of a scenario execution.
// Serialized as canonical JSON for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string
	InstanceID   string
	Status       string
	Generation   int64
	Trace        []TraceEvent
	RetryDelays  []string
}

// NewTraceSnapshot builds the snapshot of a result.
func NewTraceSnapshot(name, instanceID string, result *Result) TraceSnapshot {
	s := TraceSnapshot{
		ScenarioName: name,
		InstanceID:   instanceID,
		Status:       result.Status,
		Generation:   result.Generation,
		Trace:        result.Trace,
	}
	for _, d := range result.RetryDelays {
		s.RetryDelays = append(s.RetryDelays, d.String())
	}
	return s
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. Each event carries only the fields of its type.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type":       event.Type,
			"generation": event.Generation,
		}
		switch event.Type {
		case EventPhase:
			eventMap["phase"] = event.Phase
		case EventSchedule:
			eventMap["seq"] = event.Seq
			eventMap["activity"] = event.Activity
			eventMap["input"] = event.Input
		case EventResult:
			eventMap["seq"] = event.Seq
			eventMap["activity"] = event.Activity
			eventMap["output"] = event.Output
		case EventFailure:
			eventMap["seq"] = event.Seq
			eventMap["activity"] = event.Activity
		case EventAwait:
			eventMap["count"] = event.Count
		case EventContinue:
			eventMap["input"] = event.Input
		case EventFinish:
			eventMap["status"] = event.Status
		}
		traceList[i] = eventMap
	}

	result := map[string]any{
		"scenario_name": s.ScenarioName,
		"instance_id":   s.InstanceID,
		"status":        s.Status,
		"generation":    s.Generation,
		"trace":         traceList,
	}
	if len(s.RetryDelays) > 0 {
		delays := make([]any, len(s.RetryDelays))
		for i, d := range s.RetryDelays {
			delays[i] = d
		}
		result["retry_delays"] = delays
	}
	return result
}

// MarshalCanonical encodes the snapshot as canonical JSON.
func (s *TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return ident.Canonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, scenario.InstanceID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName, instanceID string, result *Result) error {
	t.Helper()

	snapshot := NewTraceSnapshot(scenarioName, instanceID, result)
	traceJSON, err := snapshot.MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
