package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"etsy-penny/providers"
)

// Trigger implementiert das JobTrigger-Interface über ein Kafka-Topic.
// Der Key ist die Listing-ID, damit Jobs eines Listings in einer Partition landen.
type Trigger struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewTrigger erstellt einen neuen Kafka-Trigger.
func NewTrigger(brokers []string, topic string, logger *zap.Logger) *Trigger {
	return &Trigger{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Name gibt den Namen des Transports zurück.
func (t *Trigger) Name() string {
	return "kafka"
}

// Trigger schreibt den Job synchron ins Topic.
func (t *Trigger) Trigger(ctx context.Context, job providers.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(job)
	if err != nil {
		return t.fail(job, err)
	}

	err = t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.ListingID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(job.Action)},
			{Key: "job_id", Value: []byte(job.ID)},
		},
	})
	if err != nil {
		t.logger.Error("Job konnte nicht nach Kafka geschrieben werden",
			zap.String("action", job.Action), zap.String("listing_id", job.ListingID), zap.Error(err))
		return t.fail(job, err)
	}
	t.logger.Info("Job nach Kafka geschrieben", zap.String("action", job.Action), zap.String("listing_id", job.ListingID))
	return nil
}

// Close schließt den Writer.
func (t *Trigger) Close() error {
	return t.writer.Close()
}

func (t *Trigger) fail(job providers.Job, err error) error {
	return &providers.TransportError{Transport: t.Name(), Action: job.Action, ListingID: job.ListingID, Err: err}
}
