package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/queue"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go" // RabbitMQ client
)

const (
	// Type of exchange (topic allows wildcard binding keys)
	exchangeType = "topic"
	// Content type for messages
	contentTypeJSON = "application/json"
	// Consumer tag prefix
	consumerTagPrefix = "resultsdb-updater-"
	// Broker owned exchanges cannot be declared, only checked
	reservedExchangePrefix = "amq."
)

// Ensure Manager implements the queue interfaces at compile time
var (
	_ queue.Consumer  = (*Manager)(nil)
	_ queue.Publisher = (*Manager)(nil)
	_ queue.Inspector = (*Manager)(nil)
)

// Manager consumes from and publishes to a topic exchange.
type Manager struct {
	conn     *amqp.Connection
	cfg      config.BusConfig
	logger   *slog.Logger
	declared sync.Once
	declErr  error

	mu        sync.Mutex
	consumers []*amqp.Channel // Kept open until Close so in-flight deliveries can still be settled
}

// deliveryAckNacker implements the queue.AckNacker interface for RabbitMQ deliveries.
type deliveryAckNacker struct {
	delivery amqp.Delivery
	logger   *slog.Logger
	closed   bool // Track if ack/nack was already called
	mu       sync.Mutex
}

// Ack acknowledges the message. Idempotent.
func (a *deliveryAckNacker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("Attempted to Ack already settled delivery", slog.Uint64("deliveryTag", a.delivery.DeliveryTag))
		return nil
	}
	err := a.delivery.Ack(false) // multiple = false
	if err != nil {
		a.logger.Error("Failed to ACK message", slog.Uint64("deliveryTag", a.delivery.DeliveryTag), slog.String("error", err.Error()))
	} else {
		a.closed = true
	}
	return err
}

// Nack negatively acknowledges the message. Idempotent.
func (a *deliveryAckNacker) Nack(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("Attempted to Nack already settled delivery", slog.Uint64("deliveryTag", a.delivery.DeliveryTag))
		return nil
	}
	err := a.delivery.Nack(false, requeue) // multiple = false
	if err != nil {
		a.logger.Error("Failed to NACK message", slog.Uint64("deliveryTag", a.delivery.DeliveryTag), slog.Bool("requeue", requeue), slog.String("error", err.Error()))
	} else {
		a.closed = true
	}
	return err
}

// NewManager connects to RabbitMQ. Exchange and queue are declared lazily on
// first use, so a publisher does not create the consumer queue.
func NewManager(cfg config.BusConfig, logger *slog.Logger) (*Manager, error) {
	conn, err := amqp.Dial(cfg.RabbitMQ_URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connection established")

	// Log unexpected connection closures
	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go func() {
		amqpErr := <-closeChan
		if amqpErr != nil {
			logger.Error("RabbitMQ connection closed unexpectedly", slog.String("error", amqpErr.Error()))
		} else {
			logger.Info("RabbitMQ connection closed normally")
		}
	}()

	return &Manager{conn: conn, cfg: cfg, logger: logger}, nil
}

// NotifyClose exposes connection loss so the caller can stop consuming.
func (m *Manager) NotifyClose() <-chan *amqp.Error {
	return m.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the consumer channels and then the connection. Deliveries
// still unsettled at that point go back to the queue.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, ch := range m.consumers {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			m.logger.Warn("Failed to close consumer channel", slog.String("error", err.Error()))
		}
	}
	m.consumers = nil
	m.mu.Unlock()

	m.logger.Info("Closing RabbitMQ connection")
	if m.conn != nil && !m.conn.IsClosed() {
		if err := m.conn.Close(); err != nil {
			m.logger.Error("Failed to close RabbitMQ connection", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// declareExchange ensures the exchange exists on ch.
func (m *Manager) declareExchange(ch *amqp.Channel) error {
	var err error
	if strings.HasPrefix(m.cfg.Exchange, reservedExchangePrefix) {
		err = ch.ExchangeDeclarePassive(m.cfg.Exchange, exchangeType, true, false, false, false, nil)
	} else {
		err = ch.ExchangeDeclare(m.cfg.Exchange, exchangeType, true, false, false, false, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", m.cfg.Exchange, err)
	}
	return nil
}

// declareQueue declares the durable consumer queue and binds every binding key. Uses a temporary channel.
func (m *Manager) declareQueue() error {
	m.declared.Do(func() {
		ch, err := m.conn.Channel()
		if err != nil {
			m.declErr = fmt.Errorf("failed to open temporary channel for queue declare: %w", err)
			return
		}
		defer ch.Close()

		if err := m.declareExchange(ch); err != nil {
			m.declErr = err
			return
		}

		if _, err := ch.QueueDeclare(
			m.cfg.Queue, // name
			true,        // durable (queue survives server restart)
			false,       // delete when unused
			false,       // exclusive
			false,       // no-wait
			nil,
		); err != nil {
			m.declErr = fmt.Errorf("failed to declare queue '%s': %w", m.cfg.Queue, err)
			return
		}

		for _, key := range m.cfg.BindingKeys {
			if err := ch.QueueBind(m.cfg.Queue, key, m.cfg.Exchange, false, nil); err != nil {
				m.declErr = fmt.Errorf("failed to bind queue '%s' to exchange '%s' with key '%s': %w", m.cfg.Queue, m.cfg.Exchange, key, err)
				return
			}
		}
		m.logger.Info("Declared and bound queue",
			slog.String("queue", m.cfg.Queue),
			slog.String("exchange", m.cfg.Exchange),
			slog.Any("binding_keys", m.cfg.BindingKeys),
		)
	})
	return m.declErr
}

// Consume opens a dedicated channel with a prefetch equal to the worker count
// and streams its deliveries. When ctx is done the consumer is cancelled and
// the stream ends, but the channel stays open until Close so deliveries
// already handed out can still be acked.
func (m *Manager) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	if err := m.declareQueue(); err != nil {
		return nil, err
	}

	ch, err := m.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(max(m.cfg.Workers, 1), 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := consumerTagPrefix + uuid.NewString()
	msgs, err := ch.ConsumeWithContext(ctx,
		m.cfg.Queue, // queue
		tag,         // consumer tag
		false,       // autoAck
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to start consuming from queue '%s': %w", m.cfg.Queue, err)
	}
	m.logger.Info("Consuming", slog.String("queue", m.cfg.Queue), slog.String("consumer_tag", tag))

	m.mu.Lock()
	m.consumers = append(m.consumers, ch)
	m.mu.Unlock()

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				delivery := queue.Delivery{
					Topic:     d.RoutingKey,
					Headers:   fromTable(d.Headers),
					MessageID: d.MessageId,
					Body:      d.Body,
					Acker: &deliveryAckNacker{
						delivery: d,
						logger:   m.logger.With(slog.String("message_id", d.MessageId)),
					},
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					// Unprocessed, let the broker hand it out again.
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish sends body to the exchange with topic as routing key, using a temporary channel.
func (m *Manager) Publish(ctx context.Context, topic string, headers map[string]any, body []byte) error {
	ch, err := m.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open temporary channel for publish: %w", err)
	}
	defer ch.Close()

	if err := m.declareExchange(ch); err != nil {
		return err
	}

	messageID, _ := headers["message-id"].(string)
	if messageID == "" {
		messageID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second) // Context for publish timeout
	defer cancel()

	err = ch.PublishWithContext(ctx,
		m.cfg.Exchange, // exchange
		topic,          // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      toTable(headers),
			Body:         body,
			MessageId:    messageID,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message to '%s': %w", topic, err)
	}

	m.logger.Info("Published message", slog.String("message_id", messageID), slog.String("topic", topic))
	return nil
}

// Depth reports how many messages wait in the consumer queue, using a temporary channel.
func (m *Manager) Depth() (int, error) {
	ch, err := m.conn.Channel()
	if err != nil {
		if m.conn.IsClosed() {
			return 0, fmt.Errorf("connection is not open")
		}
		return 0, fmt.Errorf("failed to open temporary channel for queue size check: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(m.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return 0, nil // Queue not declared yet
		}
		return 0, fmt.Errorf("failed to passively declare queue '%s' to get size: %w", m.cfg.Queue, err)
	}
	return q.Messages, nil
}

// fromTable converts AMQP header values into the plain values decoded JSON would produce.
func fromTable(t amqp.Table) map[string]any {
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = fromAMQP(v)
	}
	return out
}

func fromAMQP(v any) any {
	switch t := v.(type) {
	case amqp.Table:
		return fromTable(t)
	case []interface{}:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = fromAMQP(item)
		}
		return out
	case []byte:
		return string(t)
	case amqp.Decimal:
		return float64(t.Value) / math.Pow10(int(t.Scale))
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case byte:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// toTable converts message headers into values the AMQP table encoder accepts.
func toTable(headers map[string]any) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	out := make(amqp.Table, len(headers))
	for k, v := range headers {
		out[k] = toAMQP(v)
	}
	return out
}

func toAMQP(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return toTable(t)
	case []any:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = toAMQP(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return int64(t)
	case uint:
		return int64(t)
	default:
		return v
	}
}
