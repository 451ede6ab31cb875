// Package kafka provides the broker adapter for task envelope publishing.
//
// Each router-table queue maps onto a topic of the same name; the routing
// key and exchange travel as record headers so downstream consumers can
// apply the jobs.<family> addressing without re-deriving it.
package kafka

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tezgahcloud/jobcore/internal/domain"
	"github.com/tezgahcloud/jobcore/internal/observability"
)

// CompressionThresholdBytes is the raw envelope size above which the payload
// is gzip-compressed before publishing.
const CompressionThresholdBytes = 1024

// publishRetries bounds broker-error retries after the initial attempt.
const publishRetries = 3

// retryDelays spaces the publish retries: immediate, then 200 ms twice.
var retryDelays = []time.Duration{0, 200 * time.Millisecond, 200 * time.Millisecond}

// Publisher wraps a Kafka producer and implements domain.Queue.
type Publisher struct {
	client producerClient
}

// producerClient is the subset of kgo.Client the publisher uses, extracted
// for testing.
type producerClient interface {
	ProduceSync(ctx domain.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// NewPublisher constructs a Publisher against the given seed brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	slog.Info("creating queue publisher", slog.Any("brokers", brokers))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Publish sends the envelope to the route's queue with bounded retries on
// broker errors. The returned broker task id identifies the accepted record.
func (p *Publisher) Publish(ctx domain.Context, env domain.TaskEnvelope, route domain.Route) (string, error) {
	lg := observability.LoggerFromContext(ctx)

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("op=queue.publish.marshal: %w", err)
	}

	value := raw
	encoding := "identity"
	if len(raw) > CompressionThresholdBytes {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return "", fmt.Errorf("op=queue.publish.compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("op=queue.publish.compress: %w", err)
		}
		value = buf.Bytes()
		encoding = "gzip"
	}

	record := &kgo.Record{
		Topic: route.Queue,
		Key:   []byte(env.JobID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "routing_key", Value: []byte(route.RoutingKey)},
			{Key: "exchange", Value: []byte(domain.JobsExchange)},
			{Key: "content_encoding", Value: []byte(encoding)},
			{Key: "attempt", Value: []byte(fmt.Sprintf("%d", env.Attempt))},
		},
	}

	var taskID string
	err = retry.Do(
		func() error {
			res := p.client.ProduceSync(ctx, record)
			r, err := res.First()
			if err != nil {
				return err
			}
			taskID = fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
			return nil
		},
		retry.Attempts(uint(publishRetries)+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) < len(retryDelays) {
				return retryDelays[n]
			}
			return retryDelays[len(retryDelays)-1]
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		observability.JobsPublishedTotal.WithLabelValues(route.Queue, "error").Inc()
		lg.Error("task envelope publish failed",
			slog.String("job_id", env.JobID),
			slog.String("queue", route.Queue),
			slog.Any("error", err))
		return "", fmt.Errorf("op=queue.publish: %w: %w", domain.ErrPublishFailed, err)
	}

	observability.JobsPublishedTotal.WithLabelValues(route.Queue, "ok").Inc()
	lg.Info("task envelope published",
		slog.String("job_id", env.JobID),
		slog.String("queue", route.Queue),
		slog.String("routing_key", route.RoutingKey),
		slog.String("broker_task_id", taskID),
		slog.Int("payload_size", len(raw)),
		slog.String("content_encoding", encoding))
	return taskID, nil
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
