package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/paysettle/internal/ledger"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/testutil"
)

// DefaultInstanceID is the run id used when a scenario names none.
const DefaultInstanceID = "scenario"

// Scenario defines one settlement run and what it must produce.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// InstanceID of the run. Default: "scenario".
	InstanceID string `yaml:"instance_id,omitempty"`

	// PageSize of the Calculating phase. Zero means the workflow default.
	PageSize int `yaml:"page_size,omitempty"`

	// MaxAttempts overrides the retry budget of every activity.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// MaxGenerations overrides the generation cap.
	MaxGenerations int64 `yaml:"max_generations,omitempty"`

	// PendingItems are seeded into the ledger before the run starts.
	PendingItems []ledger.PendingItem `yaml:"pending_items"`

	// Faults are injected into the ledger seen by the activities.
	Faults []Fault `yaml:"faults,omitempty"`

	// Expect describes how the run ends.
	Expect ExpectClause `yaml:"expect"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Fault makes a ledger operation fail Times times.
type Fault struct {
	// Op is ListDueUncalculated, ListEntitiesWithUnpaid or InTx.
	Op string `yaml:"op"`

	Times int `yaml:"times"`

	// AfterCommit lets the transaction commit before reporting the error.
	// Only valid for InTx.
	AfterCommit bool `yaml:"after_commit,omitempty"`
}

// ExpectClause specifies how the run must end.
type ExpectClause struct {
	// Status is the final run status: Done or Failed.
	Status string `yaml:"status"`

	// Generation is the final generation, if set.
	Generation *int64 `yaml:"generation,omitempty"`

	// Error must be a substring of the run's recorded failure.
	Error string `yaml:"error,omitempty"`

	// RetryDelays are the expected backoff delays, in any order.
	RetryDelays []string `yaml:"retry_delays,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check activity was scheduled with input
	// - "trace_order": Check activities were scheduled in order
	// - "trace_count": Check activity was scheduled exactly N times
	// - "final_state": Query table and verify expected values
	Type string `yaml:"type"`

	// Action is the activity name (used by trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are expected input fields (used by trace_contains).
	// Subset match - only specified fields are validated.
	Args map[string]any `yaml:"args,omitempty"`

	// Input is the exact expected input (used by trace_contains), for
	// activities whose input is not an object.
	Input any `yaml:"input,omitempty"`

	// Table is the state table name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected activity order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.InstanceID == "" {
		scenario.InstanceID = DefaultInstanceID
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative")
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if s.MaxGenerations < 0 {
		return fmt.Errorf("max_generations must not be negative")
	}

	if err := (ledger.Fixture{PendingItems: s.PendingItems}).Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, f := range s.Faults {
		switch f.Op {
		case testutil.OpListDue, testutil.OpListEntities, testutil.OpTx:
		default:
			return fmt.Errorf("faults[%d]: unknown op %q", i, f.Op)
		}
		if f.Times < 1 {
			return fmt.Errorf("faults[%d]: times must be at least 1", i)
		}
		if f.AfterCommit && f.Op != testutil.OpTx {
			return fmt.Errorf("faults[%d]: after_commit only applies to %s", i, testutil.OpTx)
		}
		if seen[f.Op] {
			return fmt.Errorf("faults[%d]: duplicate fault for %s", i, f.Op)
		}
		seen[f.Op] = true
	}

	switch store.RunStatus(s.Expect.Status) {
	case store.RunDone, store.RunFailed:
	case "":
		return fmt.Errorf("expect.status is required")
	default:
		return fmt.Errorf("expect.status must be %s or %s, got %q", store.RunDone, store.RunFailed, s.Expect.Status)
	}
	if _, err := parseDelays(s.Expect.RetryDelays); err != nil {
		return fmt.Errorf("expect.retry_delays: %w", err)
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
		if a.Args != nil && a.Input != nil {
			return fmt.Errorf("assertions[%d]: args and input are exclusive for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func parseDelays(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for i, v := range values {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}
