package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/valet/audit"
	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/executor"
	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/vault"
)

// Autonomy iteration bounds.
const (
	DefaultIterations        = 10
	MaxIterations            = 50
	DefaultPlansPerIteration = 5
)

// Proposal is one plan suggested by a Planner iteration.
type Proposal struct {
	Channel    channel.Channel
	ActionType channel.ActionType
	Payload    []byte
	Risk       plan.RiskLevel
	Slug       string

	Objective       string
	SuccessCriteria []string
	FilesToTouch    []string
	Rollback        string
}

// Planner produces proposals toward a standing task. Returning no
// proposals means the task is complete. Implementations typically wrap
// an external reasoning step; the loop only enforces the bounds.
type Planner interface {
	Propose(ctx context.Context, task string, iteration int) ([]Proposal, error)
}

// AutonomyOptions bound the loop.
type AutonomyOptions struct {
	// Iterations is the pass limit, clamped to [1, MaxIterations].
	Iterations int
	// PlansPerIteration caps proposals accepted per pass.
	PlansPerIteration int
}

func (o AutonomyOptions) withDefaults() AutonomyOptions {
	if o.Iterations <= 0 {
		o.Iterations = DefaultIterations
	}
	if o.Iterations > MaxIterations {
		o.Iterations = MaxIterations
	}
	if o.PlansPerIteration <= 0 {
		o.PlansPerIteration = DefaultPlansPerIteration
	}
	return o
}

// AutonomyResult summarizes one loop run.
type AutonomyResult struct {
	Iterations   int
	PlansCreated int
	Executed     int
	// Halted is set when a produced plan required approval. HaltPlanID
	// names the plan now waiting in Pending_Approval/.
	Halted     bool
	HaltPlanID string
}

// Autonomy runs the bounded planning loop. Non-mutating plans are
// executed immediately; the first plan that requires approval halts the
// loop with the plan parked in Pending_Approval/. The loop never
// approves a mutating plan itself.
type Autonomy struct {
	store   *vault.Store
	reg     *plan.Registry
	exec    *executor.Executor
	log     *audit.Logger
	logger  *slog.Logger
	metrics *Metrics
	opts    AutonomyOptions
}

// NewAutonomy creates the loop driver. Metrics may be nil.
func NewAutonomy(store *vault.Store, reg *plan.Registry, exec *executor.Executor, log *audit.Logger, logger *slog.Logger, metrics *Metrics, opts AutonomyOptions) *Autonomy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Autonomy{
		store:   store,
		reg:     reg,
		exec:    exec,
		log:     log,
		logger:  logger,
		metrics: metrics,
		opts:    opts.withDefaults(),
	}
}

// Run drives the loop for one task on behalf of userID.
func (a *Autonomy) Run(ctx context.Context, planner Planner, task, userID string) (AutonomyResult, error) {
	var res AutonomyResult

	for i := 1; i <= a.opts.Iterations; i++ {
		res.Iterations = i
		proposals, err := planner.Propose(ctx, task, i)
		if err != nil {
			a.remediate(task, fmt.Sprintf("Planning iteration %d failed: %s.", i, err.Error()))
			return res, err
		}
		if len(proposals) == 0 {
			a.logger.Info("autonomy task complete", "task", task, "iterations", i-1)
			res.Iterations = i - 1
			return res, nil
		}
		if len(proposals) > a.opts.PlansPerIteration {
			proposals = proposals[:a.opts.PlansPerIteration]
		}

		for _, prop := range proposals {
			p, err := a.submit(ctx, prop, userID)
			if err != nil {
				a.remediate(task, fmt.Sprintf("Creating plan for %s/%s failed: %s.", prop.Channel, prop.ActionType, err.Error()))
				return res, err
			}
			res.PlansCreated++

			if p.Mutating() {
				if err := a.halt(p, task, i); err != nil {
					return res, err
				}
				res.Halted = true
				res.HaltPlanID = p.ID
				return res, nil
			}

			if err := a.selfApprove(ctx, p); err != nil {
				a.remediate(task, fmt.Sprintf("Self-approving read-only plan %s failed: %s.", p.ID, err.Error()))
				return res, err
			}
			if _, err := a.exec.Process(ctx, p.ID); err != nil {
				a.remediate(task, fmt.Sprintf("Executing read-only plan %s failed: %s.", p.ID, err.Error()))
				return res, err
			}
			res.Executed++
		}
	}

	a.logger.Info("autonomy iteration limit reached", "task", task, "iterations", a.opts.Iterations)
	return res, nil
}

// submit creates the draft and moves it to pending_approval, the same
// path every plan takes regardless of who reviews it next.
func (a *Autonomy) submit(ctx context.Context, prop Proposal, userID string) (*plan.Plan, error) {
	p, err := plan.New(userID, prop.Channel, prop.ActionType, prop.Payload, prop.Risk, prop.Slug)
	if err != nil {
		return nil, err
	}
	draft := plan.Draft{
		Objective:       prop.Objective,
		SuccessCriteria: prop.SuccessCriteria,
		FilesToTouch:    prop.FilesToTouch,
		Rollback:        prop.Rollback,
	}
	if err := plan.CreateDraft(ctx, a.reg, a.store, p, draft); err != nil {
		return nil, err
	}
	return plan.SubmitForApproval(ctx, a.reg, a.store, p.ID)
}

// selfApprove moves a read-only plan straight to Approved/. Only
// non-mutating plans ever take this path.
func (a *Autonomy) selfApprove(ctx context.Context, p *plan.Plan) error {
	dst := path.Join(vault.ApprovedDir, p.FileName())
	if err := a.store.Move(p.FilePath, dst); err != nil {
		return err
	}
	ref := "autonomy:" + uuid.New().String()
	if _, err := a.reg.Transition(ctx, p.ID, plan.StatusApproved,
		plan.WithFilePath(dst), plan.WithApprovalRef(ref)); err != nil {
		return err
	}
	return a.audit(audit.Entry{
		ActionType:     "plan_self_approved",
		Actor:          audit.ActorAI,
		Target:         dst,
		Parameters:     map[string]any{"plan_id": p.ID, "read_only": true},
		ApprovalStatus: string(plan.StatusApproved),
		ApprovalRef:    ref,
		Result:         audit.ResultOK,
	})
}

// halt records the single halt entry for the episode. The plan stays in
// Pending_Approval/ for the human; remaining iterations are not run.
func (a *Autonomy) halt(p *plan.Plan, task string, iteration int) error {
	if err := a.audit(audit.Entry{
		ActionType:     "autonomy_halt_pending_approval",
		Actor:          audit.ActorAI,
		Target:         p.FilePath,
		Parameters:     map[string]any{"plan_id": p.ID, "task": task, "iteration": iteration},
		ApprovalStatus: string(plan.StatusPendingApproval),
		Result:         audit.ResultOK,
	}); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.AutonomyHalts.Inc()
	}
	a.logger.Info("autonomy halted on approval-required plan",
		"plan", p.ID, "task", task, "iteration", iteration)
	return nil
}

// remediate drops a remediation intake for the failure.
func (a *Autonomy) remediate(task, body string) {
	now := time.Now().UTC()
	item := intake.NewRemediation("autonomy",
		fmt.Sprintf("Autonomy task %q needs attention", plan.Slugify(task)),
		body, now)
	item.FilePath = path.Join(vault.NeedsActionDir, intake.RemediationFileName("autonomy", now))
	if err := a.store.WriteAtomic(item.FilePath, []byte(intake.Render(item))); err != nil {
		a.logger.Error("remediation intake write failed", "error", err)
	}
}

func (a *Autonomy) audit(entry audit.Entry) error {
	if a.log == nil {
		return nil
	}
	return a.log.Append(entry)
}
