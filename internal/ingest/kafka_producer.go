// Package ingest publishes collector heartbeats to the presence topic.
// Keying by collector id keeps each collector's reports ordered, so
// last-write-wins on the consumer side is safe.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ak-badjie/mbalit/internal/models"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

// PublishReport writes one heartbeat. The call is bounded so a slow broker
// cannot hold up the presence endpoint.
func (k *KafkaProducer) PublishReport(ctx context.Context, r models.PresenceReport) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal presence report: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.CollectorID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
