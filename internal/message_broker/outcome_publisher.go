package message_broker

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/types"
)

// OutcomePublisher announces committed job results on a broker.
type OutcomePublisher struct {
	broker MessageBroker
	queue  string
}

func NewOutcomePublisher(broker MessageBroker, queue string) *OutcomePublisher {
	return &OutcomePublisher{broker: broker, queue: queue}
}

func (p *OutcomePublisher) PublishOutcome(ctx context.Context, outcome types.JobOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome of job %d: %w", outcome.JobID, err)
	}
	if err := p.broker.Publish(ctx, p.queue, body); err != nil {
		return fmt.Errorf("publish outcome of job %d: %w", outcome.JobID, err)
	}
	return nil
}
