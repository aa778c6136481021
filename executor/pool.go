package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/valet/plan"
)

// MaxQueued is the soft bound on plans accepted per dispatch sweep.
// Anything beyond it stays approved in the registry and is picked up by
// the next sweep; nothing is dropped.
const MaxQueued = 32

// Pool dispatches approved plans to the executor. Plans sharing a
// (channel, user) lane run strictly FIFO by creation time; distinct
// lanes run in parallel.
type Pool struct {
	exec   *Executor
	logger *slog.Logger
}

// NewPool creates a dispatch pool.
func NewPool(exec *Executor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{exec: exec, logger: logger}
}

// DispatchStats summarizes one sweep.
type DispatchStats struct {
	Accepted  int
	Deferred  int
	Executed  int
	Reemitted int
	Failed    int
}

// Dispatch fetches approved plans and processes them. The per-lane
// ordering guarantee holds even when an earlier plan in the lane fails:
// later plans in the same lane still wait for it to reach a terminal
// state before running.
func (d *Pool) Dispatch(ctx context.Context) (DispatchStats, error) {
	plans, err := d.exec.reg.ListByStatus(ctx, plan.StatusApproved)
	if err != nil {
		return DispatchStats{}, err
	}
	return d.run(ctx, plans), nil
}

func (d *Pool) run(ctx context.Context, plans []*plan.Plan) DispatchStats {
	var stats DispatchStats
	if len(plans) > MaxQueued {
		stats.Deferred = len(plans) - MaxQueued
		plans = plans[:MaxQueued]
		d.logger.Warn("dispatch backpressure", "deferred", stats.Deferred, "bound", MaxQueued)
	}
	stats.Accepted = len(plans)

	lanes := make(map[string][]*plan.Plan)
	for _, p := range plans {
		key := fmt.Sprintf("%s|%s", p.Channel, p.UserID)
		lanes[key] = append(lanes[key], p)
	}
	keys := make([]string, 0, len(lanes))
	for k := range lanes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type tally struct{ executed, reemitted, failed int }
	results := make([]tally, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		lane := lanes[key]
		g.Go(func() error {
			for _, p := range lane {
				outcome, err := d.exec.Process(gctx, p.ID)
				switch outcome {
				case OutcomeExecuted:
					results[i].executed++
				case OutcomeReemitted:
					results[i].reemitted++
				default:
					results[i].failed++
				}
				if err != nil {
					d.logger.Error("plan processing failed",
						"plan", p.ID, "channel", p.Channel, "error", err)
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("dispatch interrupted", "error", err)
	}

	for _, t := range results {
		stats.Executed += t.executed
		stats.Reemitted += t.reemitted
		stats.Failed += t.failed
	}
	return stats
}
