package eventbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/neighbor-service/internal/core/ports"
)

const SubjectListReconciled = "neighbors.list.reconciled"

// msgPublisher : le sous-ensemble de *nats.Conn utilisé ici
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type NatsPublisher struct {
	nc msgPublisher
}

var _ ports.EventPublisher = (*NatsPublisher)(nil)

func NewNatsPublisher(nc *nats.Conn) *NatsPublisher {
	return &NatsPublisher{nc: nc}
}

// ListReconciledEvent est le contrat publié après chaque sync (hors dry-run).
type ListReconciledEvent struct {
	RunID      string    `json:"run_id"`
	ListName   string    `json:"list_name"`
	ListURI    string    `json:"list_uri"`
	Candidates int       `json:"candidates"`
	Added      int       `json:"added"`
	Removed    int       `json:"removed"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

func (p *NatsPublisher) PublishListReconciled(ctx context.Context, report *domain.SyncReport) error {
	event := ListReconciledEvent{
		RunID:      report.RunID,
		ListName:   report.ListName,
		ListURI:    report.ListURI,
		Candidates: report.Candidates,
		Added:      report.Added,
		Removed:    report.Removed,
		Failed:     report.Failed,
		StartedAt:  report.StartedAt,
		DurationMs: report.Duration.Milliseconds(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling error: %w", err)
	}

	msg := &nats.Msg{
		Subject: SubjectListReconciled,
		Data:    data,
		Header:  nats.Header{},
	}
	// Le trace ID du run suit le message
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	slog.Info("📢 Publishing event with trace context", "topic", msg.Subject, "run_id", report.RunID)
	return p.nc.PublishMsg(msg)
}
