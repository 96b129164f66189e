package submitter

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets QoS so each submission goroutine holds at most one
// unacknowledged message, then starts consuming
func (s *Submitter) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := s.source.Qos(s.concurrency); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := s.source.Consume(s.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", s.consumerTag),
		slog.Int("prefetch_count", s.concurrency),
	)
	return deliveries, nil
}

// startMessageDispatcher hands deliveries to the submission goroutines
func (s *Submitter) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery, jobsChan chan<- amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("RabbitMQ delivery channel closed")
				return ErrDeliveriesClosed
			}

			select {
			case jobsChan <- delivery:
			case <-ctx.Done():
				// hand the message back for the next consumer
				if err := delivery.Nack(false, true); err != nil {
					s.logger.Error("Failed to NACK message on shutdown", slog.String("error", err.Error()))
				}
				return nil
			}
		}
	}
}
