// Package kafka delivers queued payloads by producing them to a Kafka (or
// Redpanda) topic. A produce that the broker acknowledges is a success. Broker
// errors that can never succeed on retry (message too large, invalid record,
// authorization) are reported with status 400 so the item is dropped; all other
// failures are transient.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/buger/jsonparser"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tidepool-social/syncqueue/pkg/logger"
	"github.com/tidepool-social/syncqueue/pkg/submit"
)

// Producer is the subset of *kgo.Client the submitter uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type Submitter struct {
	producer Producer
	topic    string
	log      logger.Logger

	// KeyPath, when set, is the JSON path inside the payload whose string value
	// becomes the record key, e.g. []string{"userId"}.
	KeyPath []string
}

var _ submit.Submitter = (*Submitter)(nil)

// New creates a submitter with its own client.
func New(brokers []string, topic string, log logger.Logger) (*Submitter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return NewWithProducer(client, topic, log), nil
}

func NewWithProducer(p Producer, topic string, log logger.Logger) *Submitter {
	return &Submitter{
		producer: p,
		topic:    topic,
		log:      logger.OrNop(log),
	}
}

func (s *Submitter) Submit(ctx context.Context, payload json.RawMessage) (submit.Result, error) {
	record := &kgo.Record{
		Topic: s.topic,
		Value: payload,
	}
	if len(s.KeyPath) > 0 {
		if key, err := jsonparser.GetString(payload, s.KeyPath...); err == nil {
			record.Key = []byte(key)
		}
	}

	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		var ke *kerr.Error
		if errors.As(err, &ke) && !ke.Retriable {
			return submit.Result{}, &submit.StatusError{
				Status: http.StatusBadRequest,
				Err:    fmt.Errorf("failed to produce to %s: %w", s.topic, err),
			}
		}
		return submit.Result{}, fmt.Errorf("failed to produce to %s: %w", s.topic, err)
	}

	s.log.Debug("payload produced", "topic", s.topic, "key", string(record.Key))
	return submit.Result{Success: true}, nil
}

func (s *Submitter) Close() {
	s.producer.Close()
}
