// Package kafka consumes CI events from a Kafka or Redpanda cluster.
package kafka

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/queue"
)

var (
	_ queue.Consumer  = (*Broker)(nil)
	_ queue.Publisher = (*Broker)(nil)
)

// Broker reads the configured topics as one consumer group. Offsets are
// committed only when a delivery is settled.
type Broker struct {
	client  *kgo.Client
	offsets *offsetTracker
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewBroker creates the group consumer. It also serves as producer for replays and fixtures.
func NewBroker(cfg config.BusConfig, logger *slog.Logger) (*Broker, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.AllowAutoTopicCreation(),
	}
	if len(cfg.KafkaTopics) > 0 {
		opts = append(opts,
			kgo.ConsumerGroup(cfg.KafkaGroup),
			kgo.ConsumeTopics(cfg.KafkaTopics...),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			kgo.DisableAutoCommit(),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	logger.Info("Kafka client created",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.Any("topics", cfg.KafkaTopics),
		slog.String("group", cfg.KafkaGroup),
	)
	return &Broker{client: client, offsets: newOffsetTracker(), logger: logger}, nil
}

// recordAcker settles a record against the offset tracker and commits
// whatever that releases. A requeue produces the record again at the end of
// its topic first, since a partition cannot skip back to a single record.
type recordAcker struct {
	broker *Broker
	record *kgo.Record

	mu      sync.Mutex
	settled bool
}

func (a *recordAcker) Ack() error {
	return a.settle(false)
}

func (a *recordAcker) Nack(requeue bool) error {
	return a.settle(requeue)
}

func (a *recordAcker) settle(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return nil
	}

	ctx := context.Background()
	if requeue {
		again := &kgo.Record{
			Topic:   a.record.Topic,
			Key:     a.record.Key,
			Value:   a.record.Value,
			Headers: a.record.Headers,
		}
		if err := a.broker.client.ProduceSync(ctx, again).FirstErr(); err != nil {
			return fmt.Errorf("failed to requeue record: %w", err)
		}
	}
	a.settled = true
	if commit := a.broker.offsets.settle(a.record); commit != nil {
		if err := a.broker.client.CommitRecords(ctx, commit); err != nil {
			return fmt.Errorf("failed to commit offset %d on %s/%d: %w", commit.Offset, commit.Topic, commit.Partition, err)
		}
	}
	return nil
}

// Consume polls the group and streams each record as a delivery.
func (b *Broker) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	out := make(chan queue.Delivery)
	go b.consumeLoop(ctx, out)
	return out, nil
}

// consumeLoop continuously polls for records and sends them to the channel.
func (b *Broker) consumeLoop(ctx context.Context, out chan<- queue.Delivery) {
	defer close(out)

	for {
		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Error("Fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.String("error", err.Error()),
			)
		})

		stopped := false
		fetches.EachRecord(func(record *kgo.Record) {
			if stopped {
				return
			}
			delivery := toDelivery(record)
			delivery.Acker = &recordAcker{broker: b, record: record}
			b.offsets.track(record)
			select {
			case out <- delivery:
			case <-ctx.Done():
				stopped = true
			}
		})
		if stopped {
			return
		}
	}
}

// toDelivery maps record headers back to header values; a "message-id"
// header wins over the record key.
func toDelivery(record *kgo.Record) queue.Delivery {
	headers := make(map[string]any, len(record.Headers))
	var id string
	for _, h := range record.Headers {
		headers[h.Key] = decodeHeader(h.Value)
		if h.Key == "message-id" {
			id = fmt.Sprint(headers[h.Key])
		}
	}
	if id == "" {
		id = string(record.Key)
	}
	return queue.Delivery{
		Topic:     record.Topic,
		Headers:   headers,
		MessageID: id,
		Body:      record.Value,
	}
}

// Publish sends a message to topic, keyed by its message id.
func (b *Broker) Publish(ctx context.Context, topic string, headers map[string]any, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}

	record := &kgo.Record{Topic: topic, Value: body}
	for k, v := range headers {
		value, err := encodeHeader(v)
		if err != nil {
			return fmt.Errorf("failed to encode header %s: %w", k, err)
		}
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: value})
	}
	if id, ok := headers["message-id"].(string); ok {
		record.Key = []byte(id)
	}

	if err := b.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Close leaves the group and shuts the client down.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.client.Close()
	return nil
}

// encodeHeader writes a header value as JSON so numbers and booleans keep
// their type across the bus.
func encodeHeader(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decodeHeader is the inverse of encodeHeader. Values that are not JSON,
// as written by producers that set plain text headers, come back as the raw
// string.
func decodeHeader(raw []byte) any {
	if !json.Valid(raw) {
		return string(raw)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}
