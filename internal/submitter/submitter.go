// Package submitter moves persisted jobs from the submission queue to the
// broker. Each consumed message names a job; the job is loaded from the
// store and sent over a reliable client link, and the message is acked
// once the broker replies.
package submitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediaqueue/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DeliverySource yields submission messages
type DeliverySource interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Requester sends one job to the broker and returns the reply
type Requester interface {
	Request(ctx context.Context, payload []byte, timeout time.Duration, retries int) ([]byte, error)
	Close() error
}

// Config holds submitter configuration
type Config struct {
	Logger      *slog.Logger
	Source      DeliverySource
	Jobs        store.JobStore
	ConsumerTag string
	// NewRequester opens one broker link per concurrent submission
	NewRequester   func() (Requester, error)
	Concurrency    int
	RequestTimeout time.Duration
	RequestRetries int
	// RateLimit caps submissions per second; zero means unlimited
	RateLimit float64
	RateBurst int
}

// Submitter consumes submission messages and forwards jobs to the broker
type Submitter struct {
	logger         *slog.Logger
	source         DeliverySource
	jobs           store.JobStore
	consumerTag    string
	newRequester   func() (Requester, error)
	concurrency    int
	requestTimeout time.Duration
	requestRetries int
	limiter        *rate.Limiter
}

// New creates a submitter
func New(cfg *Config) *Submitter {
	s := &Submitter{
		logger:         cfg.Logger,
		source:         cfg.Source,
		jobs:           cfg.Jobs,
		consumerTag:    cfg.ConsumerTag,
		newRequester:   cfg.NewRequester,
		concurrency:    cfg.Concurrency,
		requestTimeout: cfg.RequestTimeout,
		requestRetries: cfg.RequestRetries,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	if s.consumerTag == "" {
		s.consumerTag = "submitter"
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)
	return s
}

// Start consumes until ctx is canceled or the delivery channel closes
func (s *Submitter) Start(ctx context.Context) error {
	s.logger.Info("Starting submitter",
		slog.Int("concurrency", s.concurrency),
		slog.String("consumer_tag", s.consumerTag),
	)

	deliveries, err := s.setupConsumer()
	if err != nil {
		return err
	}

	requesters := make([]Requester, 0, s.concurrency)
	defer func() {
		for _, r := range requesters {
			r.Close()
		}
	}()
	for i := 0; i < s.concurrency; i++ {
		r, err := s.newRequester()
		if err != nil {
			return err
		}
		requesters = append(requesters, r)
	}

	// in-flight submissions finish even after the delivery channel closes
	jobsChan := make(chan amqp.Delivery)
	var g errgroup.Group

	g.Go(func() error {
		defer close(jobsChan)
		return s.startMessageDispatcher(ctx, deliveries, jobsChan)
	})
	for i, r := range requesters {
		g.Go(func() error {
			s.workerLoop(ctx, i, r, jobsChan)
			return nil
		})
	}

	err = g.Wait()
	s.logger.Info("Submitter stopped")
	return err
}
