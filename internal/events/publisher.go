// Package events publishes committed transactions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eltadmin/alice/internal/economy"
)

// Publisher is a journal sink that writes each transaction as a JSON
// message keyed by the sending wallet, so a wallet's transfers stay in
// one partition and keep their order.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) Write(ctx context.Context, tx economy.Transaction) error {
	msg, err := message(tx)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing transaction: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func message(tx economy.Transaction) (kafka.Message, error) {
	value, err := json.Marshal(tx)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding transaction: %w", err)
	}
	return kafka.Message{
		Key:   []byte(tx.From),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}
