package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/storefront-auth/internal/infra/config"
)

const clientID = "storefront-auth"

// Producer is the fire-and-forget channel for notification requests and audit events.
// Delivery failures are logged and counted; callers never block on broker acks.
type Producer struct {
	async       sarama.AsyncProducer
	logger      *zap.Logger
	topicPrefix string
	failures    atomic.Int64
	done        chan struct{}
}

// NewProducer connects to the configured brokers.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("create kafka producer: no brokers configured")
	}

	sc := sarama.NewConfig()
	sc.ClientID = clientID
	sc.Version = sarama.V3_5_0_0
	// audit events for one identity must stay ordered, so keys hash to a fixed partition
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 100 * time.Millisecond
	sc.Producer.Flush.Messages = 100
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Errors = true
	sc.Metadata.Retry.Max = 3
	sc.Metadata.Retry.Backoff = 250 * time.Millisecond

	async, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := newProducer(async, cfg.TopicPrefix, logger)
	p.logger.Info("event producer ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
	)
	return p, nil
}

func newProducer(async sarama.AsyncProducer, topicPrefix string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		async:       async,
		logger:      logger,
		topicPrefix: topicPrefix,
		done:        make(chan struct{}),
	}
	go p.watchFailures()
	return p
}

func (p *Producer) watchFailures() {
	for {
		select {
		case perr, ok := <-p.async.Errors():
			if !ok {
				return
			}
			if perr == nil {
				continue
			}
			p.failures.Add(1)
			fields := []zap.Field{zap.Error(perr.Err)}
			if perr.Msg != nil {
				fields = append(fields, zap.String("topic", perr.Msg.Topic))
			}
			p.logger.Error("event delivery failed", fields...)
		case <-p.done:
			return
		}
	}
}

// enqueue hands msg to the producer without waiting for the broker.
func (p *Producer) enqueue(ctx context.Context, msg *sarama.ProducerMessage) error {
	select {
	case p.async.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliveryFailures reports how many events the brokers rejected since start.
func (p *Producer) DeliveryFailures() int64 {
	return p.failures.Load()
}

// Close flushes buffered events and disconnects.
func (p *Producer) Close() error {
	close(p.done)
	if err := p.async.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	p.logger.Info("event producer closed", zap.Int64("delivery_failures", p.failures.Load()))
	return nil
}

// TopicName qualifies topic with the configured prefix unless it already carries it.
func (p *Producer) TopicName(topic string) string {
	if p.topicPrefix == "" {
		return topic
	}
	prefix := p.topicPrefix + "."
	if strings.HasPrefix(topic, prefix) {
		return topic
	}
	return prefix + topic
}
