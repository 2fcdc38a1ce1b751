package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"wavefed/backend/internal/telemetry/domain"
)

// writeTimeout bounds one WriteMessages call.
const writeTimeout = 5 * time.Second

var _ Producer = (*KafkaProducer)(nil)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer using segmentio/kafka-go. A writer that times out is closed and
// dropped; the next Emit builds a new one. Failed writes are never retried inline.
type KafkaProducer struct {
	mu        sync.Mutex
	writer    messageWriter
	newWriter func() messageWriter
	topic     string
	logger    *zap.Logger
}

// NewKafkaProducer creates a Kafka producer that writes events to topic, keyed by DID so one
// account's events stay ordered. It returns nil when brokers or topic is empty. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string, logger *zap.Logger) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaProducer{
		topic:  topic,
		logger: logger,
		newWriter: func() messageWriter {
			return &kafka.Writer{
				Addr:         kafka.TCP(brokers...),
				Topic:        topic,
				Balancer:     &kafka.Hash{},
				BatchTimeout: 50 * time.Millisecond,
				WriteTimeout: writeTimeout,
			}
		},
	}
}

func (p *KafkaProducer) acquire() messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		p.writer = p.newWriter()
	}
	return p.writer
}

// teardown closes w if it is still the current writer.
func (p *KafkaProducer) teardown(w messageWriter) {
	p.mu.Lock()
	if p.writer != w {
		p.mu.Unlock()
		return
	}
	p.writer = nil
	p.mu.Unlock()
	if err := w.Close(); err != nil {
		p.logger.Debug("telemetry: close stalled kafka writer", zap.Error(err))
	}
}

// Emit serializes the event as JSON and writes it to the topic.
func (p *KafkaProducer) Emit(ctx context.Context, event *domain.Event) error {
	if p == nil || event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	w := p.acquire()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = w.WriteMessages(writeCtx, kafka.Message{Key: []byte(event.DID), Value: payload})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("telemetry: kafka write timed out, dropping writer", zap.String("topic", p.topic))
			p.teardown(w)
		}
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
