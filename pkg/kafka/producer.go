package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RickSF09/eva-sub001/pkg/logging"
)

const defaultProduceTimeout = 5 * time.Second

// Producer is a thin synchronous wrapper over a franz-go client.
type Producer struct {
	client  *kgo.Client
	logger  logging.Logger
	timeout time.Duration
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Timeout bounds each ProduceSync call. Default: 5s
	Timeout time.Duration
}

// NewProducer creates a producer. No connection is made until the first
// produce or ping.
func NewProducer(cfg ProducerConfig, logger logging.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tally"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProduceTimeout
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger, timeout: cfg.Timeout}, nil
}

// Produce writes a single record and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Ping checks broker reachability; it satisfies monitoring.Pinger.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping failed: %w", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
