// Package mock provides a scriptable adapter for exercising the
// executor and orchestrator without any upstream. Behavior is
// programmed per call: queue errors, set delays, and inspect the
// recorded call log afterwards.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/valet/channel"
)

// Call records one DryRun or Execute invocation.
type Call struct {
	Op      string
	Action  channel.ActionType
	Payload json.RawMessage
	At      time.Time
}

// Adapter is a scriptable channel.Adapter.
type Adapter struct {
	Chan  channel.Channel
	Delay time.Duration

	mu          sync.Mutex
	calls       []Call
	executeErrs []error
	dryRunErrs  []error
	seq         int
}

// New creates a mock adapter for the given channel.
func New(ch channel.Channel) *Adapter {
	return &Adapter{Chan: ch}
}

// Channel returns the configured channel.
func (a *Adapter) Channel() channel.Channel { return a.Chan }

// FailExecute queues errors returned by subsequent Execute calls, in
// order. A nil entry means that call succeeds.
func (a *Adapter) FailExecute(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executeErrs = append(a.executeErrs, errs...)
}

// FailDryRun queues errors returned by subsequent DryRun calls.
func (a *Adapter) FailDryRun(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dryRunErrs = append(a.dryRunErrs, errs...)
}

// Calls returns a copy of the recorded call log.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// ExecuteCount returns how many Execute calls reached the adapter.
func (a *Adapter) ExecuteCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Op == "execute" {
			n++
		}
	}
	return n
}

// Capabilities reports full access.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	return channel.Capabilities{Authenticated: true, CanRead: true, CanWrite: true}, nil
}

// DryRun records the call and returns the next scripted outcome.
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	if err := a.record(ctx, "dry_run", action, payload); err != nil {
		return channel.Preview{}, err
	}
	a.mu.Lock()
	var scripted error
	if len(a.dryRunErrs) > 0 {
		scripted = a.dryRunErrs[0]
		a.dryRunErrs = a.dryRunErrs[1:]
	}
	a.mu.Unlock()
	if scripted != nil {
		return channel.Preview{}, scripted
	}
	return channel.Preview{
		Summary: fmt.Sprintf("mock %s on %s", action, a.Chan),
		Detail:  map[string]any{"action": string(action)},
	}, nil
}

// Execute records the call and returns the next scripted outcome.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	if err := a.record(ctx, "execute", action, payload); err != nil {
		return channel.Result{}, err
	}
	a.mu.Lock()
	var scripted error
	if len(a.executeErrs) > 0 {
		scripted = a.executeErrs[0]
		a.executeErrs = a.executeErrs[1:]
	}
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	if scripted != nil {
		return channel.Result{}, scripted
	}
	return channel.Result{
		ObjectRef:    fmt.Sprintf("mock-%s-%d", a.Chan, seq),
		EndpointUsed: "mock",
	}, nil
}

func (a *Adapter) record(ctx context.Context, op string, action channel.ActionType, payload json.RawMessage) error {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{Op: op, Action: action, Payload: payload, At: time.Now()})
	return nil
}
