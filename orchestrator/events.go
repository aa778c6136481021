package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/plan"
)

// Event subjects.
const (
	SubjectIntakeCreated = "valet.intake.created"
	subjectPlanPrefix    = "valet.plan."
)

// Publisher mirrors pipeline events onto NATS for external consumers
// (dashboards, notification bridges). Publishing is best effort: the
// vault and audit log remain the source of truth, so a broker outage
// never blocks the pipeline.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewPublisher connects to the broker at url.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("valet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Close flushes and drops the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Flush()
	p.conn.Close()
}

// IntakeCreated publishes an intake event. Safe on a nil publisher.
func (p *Publisher) IntakeCreated(item intake.Item) {
	if p == nil {
		return
	}
	p.publish(SubjectIntakeCreated, map[string]any{
		"id":        item.ID,
		"source":    item.Source,
		"type":      string(item.Type),
		"file_path": item.FilePath,
	})
}

// PlanStatus publishes a plan status change on valet.plan.<status>.
// Safe on a nil publisher.
func (p *Publisher) PlanStatus(planID string, status plan.Status, channel string) {
	if p == nil {
		return
	}
	p.publish(subjectPlanPrefix+string(status), map[string]any{
		"plan_id": planID,
		"status":  string(status),
		"channel": channel,
	})
}

func (p *Publisher) publish(subject string, payload map[string]any) {
	payload["emitted_at"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
