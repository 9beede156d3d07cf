// Package notify publishes job status changes and operator escalations to the events exchange.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"projectsync/internal/model"
	"projectsync/internal/rabbitmq"
	"projectsync/internal/recovery"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Publisher is the part of the broker client used here
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error
}

// JobEvent is the body of a job.<status> message
type JobEvent struct {
	JobID      string            `json:"job_id"`
	Source     string            `json:"source"`
	Status     model.JobStatus   `json:"status"`
	Start      int64             `json:"start"`
	End        int64             `json:"end"`
	Current    int64             `json:"current"`
	Progress   float64           `json:"progress"`
	Counters   model.JobCounters `json:"counters"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EscalationEvent is the body of an ops.escalation message
type EscalationEvent struct {
	recovery.Escalation
	OccurredAt time.Time `json:"occurred_at"`
}

type Notifier struct {
	pub      Publisher
	exchange string
}

func New(pub Publisher, exchange string) *Notifier {
	return &Notifier{pub: pub, exchange: exchange}
}

// JobTransitioned publishes the job's new status. Delivery is best effort.
func (n *Notifier) JobTransitioned(ctx context.Context, job *model.Job) {
	event := JobEvent{
		JobID:      job.ID,
		Source:     job.Source,
		Status:     job.Status,
		Start:      job.Start,
		End:        job.End,
		Current:    job.Current,
		Progress:   job.ProgressPercentage(),
		Counters:   job.Counters,
		OccurredAt: time.Now().UTC(),
	}
	if err := n.publish(ctx, rabbitmq.JobEventKey(string(job.Status)), event); err != nil {
		log.Warn().Err(err).Str("jobId", job.ID).Str("status", string(job.Status)).Msg("Failed to publish job event")
	}
}

// Escalate publishes a failure that needs an operator
func (n *Notifier) Escalate(ctx context.Context, e recovery.Escalation) error {
	return n.publish(ctx, rabbitmq.RoutingEscalation, EscalationEvent{Escalation: e, OccurredAt: time.Now().UTC()})
}

func (n *Notifier) publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", routingKey, err)
	}
	return n.pub.Publish(ctx, n.exchange, routingKey, body, amqp.Table{"event": routingKey})
}
