package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360studio/valet/channel"
)

// ErrNotFound is returned when a plan is not in the registry.
var ErrNotFound = errors.New("plan not found")

// timeLayout is fixed-width so stored timestamps sort lexicographically
// (RFC3339Nano trims trailing zeros and would break FIFO ordering).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrTransition is returned for a disallowed status transition.
var ErrTransition = errors.New("status transition not allowed")

// ErrPayloadFrozen is returned when mutating the payload of a plan that
// already reached pending_approval or a later state.
var ErrPayloadFrozen = errors.New("payload is immutable")

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	channel      TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	payload      BLOB NOT NULL,
	status       TEXT NOT NULL,
	risk_level   TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	scheduled_at TEXT,
	file_path    TEXT NOT NULL DEFAULT '',
	result       BLOB,
	approval_ref TEXT NOT NULL DEFAULT '',
	archived     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
CREATE INDEX IF NOT EXISTS idx_plans_user_channel ON plans(user_id, channel);
`

// Registry is the durable record of plans, backed by SQLite. On
// conflict with the vault, the filesystem is authoritative for approval
// state; the registry is authoritative for payload and history.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (creating if needed) the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// Serialized access keeps per-plan row transitions race-free.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Create inserts a new plan row.
func (r *Registry) Create(ctx context.Context, p *Plan) error {
	result, err := marshalResult(p.Result)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plans (id, user_id, channel, action_type, payload, status, risk_level,
			created_at, updated_at, scheduled_at, file_path, result, approval_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, string(p.Channel), string(p.ActionType), []byte(p.Payload),
		string(p.Status), string(p.RiskLevel),
		p.CreatedAt.UTC().Format(timeLayout), p.UpdatedAt.UTC().Format(timeLayout),
		formatNullableTime(p.ScheduledAt), p.FilePath, result, p.ApprovalRef)
	if err != nil {
		return fmt.Errorf("insert plan %s: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a plan by id.
func (r *Registry) Get(ctx context.Context, id string) (*Plan, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, action_type, payload, status, risk_level,
			created_at, updated_at, scheduled_at, file_path, result, approval_ref
		FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListByStatus returns plans in the given status ordered by created_at
// (FIFO for executor dispatch).
func (r *Registry) ListByStatus(ctx context.Context, status Status) ([]*Plan, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, channel, action_type, payload, status, risk_level,
			created_at, updated_at, scheduled_at, file_path, result, approval_ref
		FROM plans WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Transition moves a plan to a new status inside a transaction,
// enforcing the state machine and updating the mirrored file path.
// Optional mutators adjust approval_ref or result in the same step.
func (r *Registry) Transition(ctx context.Context, id string, to Status, opts ...TransitionOption) (*Plan, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, channel, action_type, payload, status, risk_level,
			created_at, updated_at, scheduled_at, file_path, result, approval_ref
		FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, err
	}

	if !p.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrTransition, p.Status, to, id)
	}

	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	for _, opt := range opts {
		opt(p)
	}

	result, err := marshalResult(p.Result)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ?, file_path = ?, result = ?, approval_ref = ?,
			archived = CASE WHEN ? = 'archived' THEN 1 ELSE archived END
		WHERE id = ?`,
		string(p.Status), p.UpdatedAt.Format(timeLayout), p.FilePath, result,
		p.ApprovalRef, string(p.Status), p.ID); err != nil {
		return nil, fmt.Errorf("update plan %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return p, nil
}

// TransitionOption mutates a plan during a Transition.
type TransitionOption func(*Plan)

// WithFilePath records the plan file's new vault-relative location.
func WithFilePath(path string) TransitionOption {
	return func(p *Plan) { p.FilePath = path }
}

// WithApprovalRef records the approval event reference.
func WithApprovalRef(ref string) TransitionOption {
	return func(p *Plan) { p.ApprovalRef = ref }
}

// WithResult attaches the execution result.
func WithResult(res *ExecutionResult) TransitionOption {
	return func(p *Plan) { p.Result = res }
}

// UpdateResult stores an execution result (e.g. a dry-run preview)
// without a status change.
func (r *Registry) UpdateResult(ctx context.Context, id string, res *ExecutionResult) error {
	data, err := marshalResult(res)
	if err != nil {
		return err
	}
	out, err := r.db.ExecContext(ctx, `UPDATE plans SET result = ?, updated_at = ? WHERE id = ?`,
		data, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update result for %s: %w", id, err)
	}
	n, _ := out.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UpdateFilePath records a file move without a status change (e.g. the
// dry-run re-emission into Pending_Approval/).
func (r *Registry) UpdateFilePath(ctx context.Context, id, path string) error {
	out, err := r.db.ExecContext(ctx, `UPDATE plans SET file_path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update file path for %s: %w", id, err)
	}
	n, _ := out.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UpdatePayload replaces a draft plan's payload. From pending_approval
// onward the payload is frozen.
func (r *Registry) UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: plan %s is %s", ErrPayloadFrozen, id, p.Status)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE plans SET payload = ?, updated_at = ? WHERE id = ?`,
		[]byte(payload), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update payload for %s: %w", id, err)
	}
	return nil
}

// MarkArchived flags a terminal plan as archived without relocating it.
func (r *Registry) MarkArchived(ctx context.Context, id string) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> archived for %s", ErrTransition, p.Status, id)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE plans SET status = 'archived', archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("archive plan %s: %w", id, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPlan(row scannable) (*Plan, error) {
	var (
		p           Plan
		ch, action  string
		status      string
		risk        string
		createdAt   string
		updatedAt   string
		scheduledAt sql.NullString
		payload     []byte
		result      []byte
	)
	err := row.Scan(&p.ID, &p.UserID, &ch, &action, &payload, &status, &risk,
		&createdAt, &updatedAt, &scheduledAt, &p.FilePath, &result, &p.ApprovalRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Channel = channel.Channel(ch)
	p.ActionType = channel.ActionType(action)
	p.Payload = json.RawMessage(payload)
	p.Status = Status(status)
	p.RiskLevel = RiskLevel(risk)
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if scheduledAt.Valid && scheduledAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, scheduledAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse scheduled_at: %w", err)
		}
		p.ScheduledAt = &t
	}
	if len(result) > 0 {
		var res ExecutionResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		p.Result = &res
	}
	return &p, nil
}

func marshalResult(res *ExecutionResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
