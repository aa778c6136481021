package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/plan"
)

func TestDispatch_LaneOrderIsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := NewPool(f.exec, nil)

	// Two reads in one lane. Non-mutating actions execute in a single
	// pass, so call order on the adapter shows dispatch order.
	first := f.approvedPlan(t, channel.Odoo, channel.ActionListInvoices, "report one")
	second := f.approvedPlan(t, channel.Odoo, channel.ActionListInvoices, "report two")

	// Force distinct created_at ordering: the fixture creates both within
	// the same clock tick on fast machines.
	if first.CreatedAt.After(second.CreatedAt) {
		first, second = second, first
	}

	stats, err := pool.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.Executed != 2 {
		t.Fatalf("executed = %d, want 2", stats.Executed)
	}

	var order []string
	for _, c := range f.odoo.Calls() {
		if c.Op == "execute" {
			order = append(order, string(c.Action))
		}
	}
	if len(order) != 2 {
		t.Fatalf("got %d executes", len(order))
	}

	gotFirst, _ := f.reg.Get(ctx, first.ID)
	gotSecond, _ := f.reg.Get(ctx, second.ID)
	if gotFirst.Status != plan.StatusExecuted || gotSecond.Status != plan.StatusExecuted {
		t.Errorf("statuses = %s/%s", gotFirst.Status, gotSecond.Status)
	}
	if !gotFirst.Result.CompletedAt.Before(gotSecond.Result.CompletedAt) &&
		!gotFirst.Result.CompletedAt.Equal(gotSecond.Result.CompletedAt) {
		t.Error("lane processed out of FIFO order")
	}
}

func TestDispatch_ParallelAcrossLanes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := NewPool(f.exec, nil)

	f.gmail.Delay = 50 * time.Millisecond
	f.odoo.Delay = 50 * time.Millisecond

	// Two non-mutating plans per lane; dry-run + execute each carry the
	// delay, so one lane costs 4 delayed calls.
	f.approvedPlan(t, channel.Odoo, channel.ActionListInvoices, "lane a")
	f.approvedPlan(t, channel.Odoo, channel.ActionRevenueSummary, "lane a two")

	addForUser := func(user, slug string, action channel.ActionType) {
		t.Helper()
		p, err := plan.New(user, channel.Odoo, action, nil, plan.RiskLow, slug)
		if err != nil {
			t.Fatalf("plan.New: %v", err)
		}
		if err := plan.CreateDraft(ctx, f.reg, f.store, p, plan.Draft{
			Objective: "report", SuccessCriteria: []string{"done"},
			FilesToTouch: []string{"none"}, Rollback: "none",
		}); err != nil {
			t.Fatalf("CreateDraft: %v", err)
		}
		if _, err := plan.SubmitForApproval(ctx, f.reg, f.store, p.ID); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		f.humanApprove(t, p.ID, p.FileName())
	}
	addForUser("user2", "lane b", channel.ActionARAging)
	addForUser("user2", "lane b two", channel.ActionListCustomers)

	start := time.Now()
	stats, err := pool.Dispatch(ctx)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	elapsed := time.Since(start)

	if stats.Executed != 4 {
		t.Fatalf("executed = %d, want 4", stats.Executed)
	}
	// Each lane costs ~200ms; serial processing would cost ~400ms.
	if elapsed > 320*time.Millisecond {
		t.Errorf("dispatch took %v; lanes appear serialized", elapsed)
	}
}

func TestDispatch_BackpressureDefersBeyondBound(t *testing.T) {
	f := newFixture(t)
	pool := NewPool(f.exec, nil)

	plans := make([]*plan.Plan, MaxQueued+3)
	for i := range plans {
		plans[i] = &plan.Plan{ID: fmt.Sprintf("p%02d", i), Channel: channel.Odoo, UserID: "u"}
	}
	stats := pool.run(context.Background(), plans)
	if stats.Accepted != MaxQueued {
		t.Errorf("accepted = %d, want %d", stats.Accepted, MaxQueued)
	}
	if stats.Deferred != 3 {
		t.Errorf("deferred = %d, want 3", stats.Deferred)
	}
}
