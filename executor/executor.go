// Package executor turns approved plans into adapter calls. It verifies
// preconditions against the vault, enforces the mandatory dry-run and
// second approval for sensitive actions, applies retry policy, and
// records every outcome in the audit log. Results are never fabricated:
// a plan is executed only when the adapter returned one, and an
// ambiguous failure of a no-retry action is recorded as failed with the
// uncertainty spelled out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/vault"
)

// DryRunSuffix marks a re-emitted plan file awaiting second approval.
const DryRunSuffix = ".dryrun"

// DefaultActionTimeout bounds one adapter call when no per-action
// override is configured.
const DefaultActionTimeout = 30 * time.Second

// Options tune the executor.
type Options struct {
	// SensitiveActions lists "channel:action" pairs requiring the
	// dry-run re-emission. Empty means every mutating action is
	// sensitive; a dry-run preview alone never authorizes execution.
	SensitiveActions []string

	// RetryBase is the initial backoff interval for transient errors.
	RetryBase time.Duration

	// MaxAttempts bounds execution attempts for retryable actions.
	// No-retry actions always get exactly one.
	MaxAttempts int

	// ActionTimeout bounds one adapter call; a timeout classifies as
	// transient. Zero means DefaultActionTimeout.
	ActionTimeout time.Duration

	// ActionTimeouts overrides ActionTimeout per action type.
	ActionTimeouts map[channel.ActionType]time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RetryBase <= 0 {
		out.RetryBase = 2 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.ActionTimeout <= 0 {
		out.ActionTimeout = DefaultActionTimeout
	}
	return out
}

// Executor processes approved plans one at a time. Concurrency and
// ordering live in the Pool.
type Executor struct {
	store    *vault.Store
	reg      *plan.Registry
	adapters *channel.Registry
	log      *audit.Logger
	opts     Options

	mu       sync.Mutex
	breakers map[channel.Channel]*gobreaker.CircuitBreaker
}

// New creates an executor.
func New(store *vault.Store, reg *plan.Registry, adapters *channel.Registry, log *audit.Logger, opts Options) *Executor {
	return &Executor{
		store:    store,
		reg:      reg,
		adapters: adapters,
		log:      log,
		opts:     opts.withDefaults(),
		breakers: make(map[channel.Channel]*gobreaker.CircuitBreaker),
	}
}

// Outcome describes what Process did with one plan.
type Outcome string

// Process outcomes.
const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeFailed    Outcome = "failed"
	OutcomeReemitted Outcome = "reemitted"
)

// Process runs the full pipeline for one approved plan: precondition
// verification, mandatory dry-run, sensitive re-emission or execution,
// terminal move, and audit.
func (e *Executor) Process(ctx context.Context, planID string) (Outcome, error) {
	p, err := e.reg.Get(ctx, planID)
	if err != nil {
		return OutcomeFailed, err
	}

	if err := e.verifyPreconditions(ctx, p); err != nil {
		return OutcomeFailed, e.fail(ctx, p, err, "plan_precondition_failed")
	}

	// A .dryrun file in Approved/ is the second approval; the preview
	// was attached on the first pass.
	secondApproval := strings.HasSuffix(p.FilePath, DryRunSuffix)

	if !secondApproval {
		preview, err := e.dryRun(ctx, p)
		if err != nil {
			return OutcomeFailed, e.fail(ctx, p, err, "plan_dry_run_failed")
		}
		if e.sensitive(p) {
			if err := e.reemit(ctx, p, preview); err != nil {
				return OutcomeFailed, e.fail(ctx, p, err, "plan_reemit_failed")
			}
			return OutcomeReemitted, nil
		}
	}

	if err := e.execute(ctx, p); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeExecuted, nil
}

// Rehearse runs only the precondition checks and the adapter dry-run,
// attaching the preview to the plan. Nothing is executed or re-emitted;
// the plan stays approved.
func (e *Executor) Rehearse(ctx context.Context, planID string) (*channel.Preview, error) {
	p, err := e.reg.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := e.verifyPreconditions(ctx, p); err != nil {
		return nil, err
	}
	return e.dryRun(ctx, p)
}

// verifyPreconditions checks that the vault and registry agree before
// anything irreversible happens.
func (e *Executor) verifyPreconditions(ctx context.Context, p *plan.Plan) error {
	if p.Status != plan.StatusApproved {
		return fault.Newf(fault.KindPrecondition, "plan %s is %s, not approved", p.ID, p.Status)
	}
	if p.FilePath == "" {
		return fault.Newf(fault.KindPrecondition, "plan %s has no vault file recorded", p.ID)
	}
	if dir := path.Dir(p.FilePath); dir != vault.ApprovedDir {
		return fault.Newf(fault.KindPrecondition, "plan %s file is in %s, not %s", p.ID, dir, vault.ApprovedDir)
	}
	exists, err := e.store.Exists(p.FilePath)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Newf(fault.KindPrecondition, "plan %s file missing at %s", p.ID, p.FilePath)
	}
	data, err := e.store.Read(p.FilePath)
	if err != nil {
		return err
	}
	if err := plan.ValidateMarkdown(data); err != nil {
		return err
	}
	if _, err := e.adapters.Get(p.Channel); err != nil {
		return err
	}
	return nil
}

// dryRun runs the adapter preview and attaches it to the plan.
func (e *Executor) dryRun(ctx context.Context, p *plan.Plan) (*channel.Preview, error) {
	adapter, err := e.adapters.Get(p.Channel)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	preview, err := adapter.DryRun(ctx, p.ActionType, p.Payload)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	res := &plan.ExecutionResult{Preview: &preview, DurationMS: elapsed.Milliseconds()}
	if err := e.reg.UpdateResult(ctx, p.ID, res); err != nil {
		return nil, err
	}
	p.Result = res

	if err := e.audit(audit.Entry{
		ActionType:     string(p.ActionType),
		Actor:          audit.ActorAI,
		Target:         fmt.Sprintf("%s/%s", p.Channel, p.ID),
		Parameters:     map[string]any{"preview": preview.Summary},
		ApprovalStatus: string(plan.StatusApproved),
		ApprovalRef:    p.ApprovalRef,
		Result:         audit.ResultDryRun,
		DurationMS:     elapsed.Milliseconds(),
	}); err != nil {
		return nil, err
	}
	return &preview, nil
}

// sensitive reports whether the plan needs the second approval. All
// mutating actions are sensitive unless the operator narrowed the list.
func (e *Executor) sensitive(p *plan.Plan) bool {
	if !p.Mutating() {
		return false
	}
	if len(e.opts.SensitiveActions) == 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s", p.Channel, p.ActionType)
	for _, s := range e.opts.SensitiveActions {
		if s == key || s == "*" {
			return true
		}
	}
	return false
}

// reemit writes the preview into the plan markdown and moves it back to
// Pending_Approval/ under the .dryrun suffix for the second approval.
func (e *Executor) reemit(ctx context.Context, p *plan.Plan, preview *channel.Preview) error {
	data, err := e.store.Read(p.FilePath)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if updated, err := plan.AppendToSection(data, "Dry-Run Preview",
		fmt.Sprintf("%s %s", now, preview.Summary)); err == nil {
		data = updated
	}
	if updated, err := plan.AppendToSection(data, "Change Log",
		fmt.Sprintf("%s dry-run complete; re-emitted for second approval", now)); err == nil {
		data = updated
	}
	if err := e.store.WriteAtomic(p.FilePath, data); err != nil {
		return err
	}

	dst := path.Join(vault.PendingApprovalDir, p.FileName()+DryRunSuffix)
	if err := e.store.Move(p.FilePath, dst); err != nil {
		return err
	}
	if _, err := e.reg.Transition(ctx, p.ID, plan.StatusPendingApproval, plan.WithFilePath(dst)); err != nil {
		return err
	}

	return e.audit(audit.Entry{
		ActionType:     "plan_reemitted_for_approval",
		Actor:          audit.ActorAI,
		Target:         fmt.Sprintf("%s/%s", p.Channel, p.ID),
		ApprovalStatus: string(plan.StatusPendingApproval),
		ApprovalRef:    p.ApprovalRef,
		Result:         audit.ResultOK,
	})
}

// execute performs the adapter call with retry policy and records the
// terminal outcome. Once dispatch begins the mutation and its
// bookkeeping run to completion: caller cancellation stops later plans,
// never an in-flight one, so an aborted request cannot invite a
// duplicate. Each adapter call is bounded by the per-action timeout
// instead.
func (e *Executor) execute(ctx context.Context, p *plan.Plan) error {
	ctx = context.WithoutCancel(ctx)
	adapter, err := e.adapters.Get(p.Channel)
	if err != nil {
		return e.fail(ctx, p, err, "plan_execution_failed")
	}

	start := time.Now()
	result, attempts, err := e.attempt(ctx, p, adapter)
	elapsed := time.Since(start)

	if err != nil {
		detail := err
		if p.NoRetry() && fault.IsKind(err, fault.KindTransient) {
			// The request may have reached the upstream. Recording
			// success here would fabricate an outcome; recording a clean
			// failure would invite a duplicate. Say what is known.
			detail = fault.Wrap(fault.KindOf(err),
				fmt.Sprintf("outcome unknown after %d attempt(s); verify %s upstream before retrying", attempts, p.ActionType), err)
		}
		return e.failWithDuration(ctx, p, detail, "plan_execution_failed", elapsed)
	}

	res := &plan.ExecutionResult{
		Outcome:     result,
		DurationMS:  elapsed.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if p.Result != nil {
		res.Preview = p.Result.Preview
	}

	dst := path.Join(vault.PlansCompletedDir, p.FileName())
	e.annotate(p.FilePath, "Execution Log",
		fmt.Sprintf("%s executed: %s via %s", res.CompletedAt.Format(time.RFC3339), result.ObjectRef, result.EndpointUsed))
	if err := e.store.Move(p.FilePath, dst); err != nil {
		return e.failWithDuration(ctx, p, err, "plan_execution_failed", elapsed)
	}
	if _, err := e.reg.Transition(ctx, p.ID, plan.StatusExecuted,
		plan.WithFilePath(dst), plan.WithResult(res)); err != nil {
		return err
	}

	return e.audit(audit.Entry{
		ActionType:     string(p.ActionType),
		Actor:          audit.ActorAI,
		Target:         fmt.Sprintf("%s/%s", p.Channel, result.ObjectRef),
		Parameters:     map[string]any{"endpoint_used": result.EndpointUsed, "attempts": attempts},
		ApprovalStatus: string(plan.StatusApproved),
		ApprovalRef:    p.ApprovalRef,
		Result:         audit.ResultOK,
		DurationMS:     elapsed.Milliseconds(),
	})
}

// attempt calls the adapter through the channel breaker, retrying
// transient failures with exponential backoff unless the action is
// no-retry.
func (e *Executor) attempt(ctx context.Context, p *plan.Plan, adapter channel.Adapter) (*channel.Result, int, error) {
	breaker := e.breaker(p.Channel)
	attempts := 0

	call := func() (*channel.Result, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.timeout(p.ActionType))
		defer cancel()
		out, err := breaker.Execute(func() (any, error) {
			return adapter.Execute(callCtx, p.ActionType, p.Payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fault.Wrap(fault.KindConcurrency,
					fmt.Sprintf("circuit open for channel %s", p.Channel), err)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fault.Wrap(fault.KindTransient,
					fmt.Sprintf("%s timed out after %s", p.ActionType, e.timeout(p.ActionType)), err)
			}
			return nil, err
		}
		result := out.(channel.Result)
		return &result, nil
	}

	if p.NoRetry() {
		result, err := call()
		return result, attempts, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.MaxAttempts-1)), ctx)

	result, err := backoff.RetryWithData(func() (*channel.Result, error) {
		res, err := call()
		if err != nil && !fault.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}, policy)
	return result, attempts, err
}

// timeout returns the per-action bound for one adapter call.
func (e *Executor) timeout(a channel.ActionType) time.Duration {
	if d, ok := e.opts.ActionTimeouts[a]; ok && d > 0 {
		return d
	}
	return e.opts.ActionTimeout
}

func (e *Executor) breaker(c channel.Channel) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[c]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(c),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	e.breakers[c] = cb
	return cb
}

func (e *Executor) fail(ctx context.Context, p *plan.Plan, cause error, action string) error {
	return e.failWithDuration(ctx, p, cause, action, 0)
}

// failWithDuration moves the plan to Plans/failed/, records the error,
// drops a remediation intake, and audits the failure.
func (e *Executor) failWithDuration(ctx context.Context, p *plan.Plan, cause error, action string, elapsed time.Duration) error {
	res := &plan.ExecutionResult{
		Error:       cause.Error(),
		DurationMS:  elapsed.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if p.Result != nil {
		res.Preview = p.Result.Preview
	}

	dst := path.Join(vault.PlansFailedDir, p.FileName())
	e.annotate(p.FilePath, "Execution Log",
		fmt.Sprintf("%s failed: %s", res.CompletedAt.Format(time.RFC3339), cause.Error()))
	if p.FilePath != "" && path.Dir(p.FilePath) == vault.ApprovedDir {
		if err := e.store.Move(p.FilePath, dst); err == nil {
			p.FilePath = dst
		}
	}
	if _, err := e.reg.Transition(ctx, p.ID, plan.StatusFailed,
		plan.WithFilePath(p.FilePath), plan.WithResult(res)); err != nil {
		return errors.Join(cause, err)
	}

	now := time.Now().UTC()
	item := intake.NewRemediation(string(p.Channel),
		fmt.Sprintf("Plan %s failed", p.ID),
		fmt.Sprintf("Action %s on %s failed: %s. Plan file: %s.", p.ActionType, p.Channel, cause.Error(), p.FilePath),
		now)
	item.FilePath = path.Join(vault.NeedsActionDir, intake.RemediationFileName(string(p.Channel), now))
	if err := e.store.WriteAtomic(item.FilePath, []byte(intake.Render(item))); err != nil {
		return errors.Join(cause, err)
	}

	if aerr := e.audit(audit.Entry{
		ActionType:     action,
		Actor:          audit.ActorAI,
		Target:         fmt.Sprintf("%s/%s", p.Channel, p.ID),
		ApprovalStatus: string(plan.StatusFailed),
		ApprovalRef:    p.ApprovalRef,
		Result:         audit.ResultError,
		Error:          cause.Error(),
		DurationMS:     elapsed.Milliseconds(),
	}); aerr != nil {
		return errors.Join(cause, aerr)
	}
	return cause
}

// annotate appends a line to a markdown section, best effort.
func (e *Executor) annotate(rel, section, line string) {
	if rel == "" {
		return
	}
	data, err := e.store.Read(rel)
	if err != nil {
		return
	}
	updated, err := plan.AppendToSection(data, section, line)
	if err != nil {
		return
	}
	_ = e.store.WriteAtomic(rel, updated)
}

// audit appends one entry. An unflushed audit line invalidates the
// operation that produced it, so the error propagates.
func (e *Executor) audit(entry audit.Entry) error {
	if e.log == nil {
		return nil
	}
	if err := e.log.Append(entry); err != nil {
		return fault.Wrap(fault.KindVault, "audit append failed", err)
	}
	return nil
}
