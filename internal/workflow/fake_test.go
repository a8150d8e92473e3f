package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/paysettle/internal/retry"
)

// decision is one ScheduleWithRetry call as observed by the fake.
type decision struct {
	Generation int64
	Activity   string
	Input      string
}

func (d decision) String() string {
	return fmt.Sprintf("g%d %s %s", d.Generation, d.Activity, d.Input)
}

type continued struct {
	input RunInput
}

func (c *continued) Error() string { return "continued as new" }

type fakeFuture struct {
	output json.RawMessage
	err    error
}

func (f *fakeFuture) Get(out any) error {
	if f.err != nil {
		return f.err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(f.output, out)
}

// fakeContext runs activities synchronously against handler funcs.
type fakeContext struct {
	generation int64
	phases     []Phase
	decisions  []decision
	handlers   map[string]func(input json.RawMessage) (any, error)
}

func newFakeContext(handlers map[string]func(input json.RawMessage) (any, error)) *fakeContext {
	return &fakeContext{handlers: handlers}
}

func (f *fakeContext) InstanceID() string { return "test-instance" }
func (f *fakeContext) Generation() int64  { return f.generation }

func (f *fakeContext) ScheduleWithRetry(activity string, input any, _ retry.Policy) Future {
	raw, err := json.Marshal(input)
	if err != nil {
		return &fakeFuture{err: err}
	}
	f.decisions = append(f.decisions, decision{Generation: f.generation, Activity: activity, Input: string(raw)})

	h, ok := f.handlers[activity]
	if !ok {
		return &fakeFuture{err: fmt.Errorf("no handler for %s", activity)}
	}
	out, err := h(raw)
	if err != nil {
		return &fakeFuture{err: err}
	}
	outRaw, err := json.Marshal(out)
	if err != nil {
		return &fakeFuture{err: err}
	}
	return &fakeFuture{output: outRaw}
}

func (f *fakeContext) AwaitAll(futures []Future) error {
	var first error
	for _, fut := range futures {
		if err := fut.Get(nil); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *fakeContext) ContinueAsNew(input any) error {
	in, ok := input.(RunInput)
	if !ok {
		return fmt.Errorf("unexpected continuation input %T", input)
	}
	return &continued{input: in}
}

func (f *fakeContext) SetPhase(phase Phase) error {
	f.phases = append(f.phases, phase)
	return nil
}

func (f *fakeContext) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drive runs generations until the controller returns something other than
// a continuation.
func drive(c Controller, f *fakeContext) error {
	in := RunInput{Phase: PhaseCalculating}
	for {
		err := c.Run(f, in)
		var cont *continued
		if !errors.As(err, &cont) {
			return err
		}
		in = cont.input
		f.generation = in.Generation
	}
}
