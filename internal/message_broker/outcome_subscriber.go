package message_broker

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/types"
	"github.com/sirupsen/logrus"
)

// OutcomeSubscriber reads the outcomes an OutcomePublisher announced.
type OutcomeSubscriber struct {
	broker MessageBroker
	queue  string
	logger logrus.FieldLogger
}

func NewOutcomeSubscriber(broker MessageBroker, queue string, logger logrus.FieldLogger) *OutcomeSubscriber {
	return &OutcomeSubscriber{broker: broker, queue: queue, logger: logger}
}

// Outcomes subscribes to the queue and returns decoded outcomes. Payloads that
// do not decode are logged and dropped. The channel is closed when ctx is done
// or the broker ends the stream.
func (s *OutcomeSubscriber) Outcomes(ctx context.Context) (<-chan types.JobOutcome, error) {
	msgs, err := s.broker.Consume(ctx, s.queue)
	if err != nil {
		return nil, fmt.Errorf("subscribe to outcomes on %q: %w", s.queue, err)
	}

	out := make(chan types.JobOutcome)
	go func() {
		defer close(out)
		for {
			var msg []byte
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				msg = m
			case <-ctx.Done():
				return
			}

			var outcome types.JobOutcome
			if err := json.Unmarshal(msg, &outcome); err != nil {
				s.logger.WithError(err).WithField("queue", s.queue).Warn("dropping undecodable outcome")
				continue
			}
			select {
			case out <- outcome:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
