// Package worker connects a bus consumer to the pipeline: it decodes each
// delivery, runs it, journals the outcome and settles the delivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/metrics"
	"github.com/husmancristian/resultsdb-updater/pkg/models"
	"github.com/husmancristian/resultsdb-updater/pkg/pipeline"
	"github.com/husmancristian/resultsdb-updater/pkg/queue"
	"github.com/husmancristian/resultsdb-updater/pkg/storage"

	json "github.com/goccy/go-json"
)

// Processor runs one message; *pipeline.Pipeline implements it.
type Processor interface {
	Consume(ctx context.Context, msg *models.Message) (bool, error)
	Schema(msg *models.Message) pipeline.Schema
}

// Outcome is what happened to one delivery.
type Outcome struct {
	MessageID  string
	Schema     pipeline.Schema
	Success    bool
	Err        error  // Fatal error, the message will never succeed as is
	ArchiveKey string // Set when the raw message was archived
}

// Settle decides the broker-side fate of a delivery: ack on success, drop
// fatal and unroutable messages, and requeue soft failures only when asked to.
func (o Outcome) Settle(a queue.AckNacker, requeueFailed bool) error {
	if a == nil {
		return nil
	}
	switch {
	case o.Success:
		return a.Ack()
	case o.Err != nil, o.Schema == pipeline.SchemaNone:
		return a.Nack(false)
	default:
		return a.Nack(requeueFailed)
	}
}

// Harness drives a pool of workers over one consumer.
type Harness struct {
	consumer      queue.Consumer
	proc          Processor
	journal       storage.Journal
	workers       int
	requeueFailed bool
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(consumer queue.Consumer, proc Processor, journal storage.Journal, cfg config.BusConfig, m *metrics.Metrics, logger *slog.Logger) *Harness {
	if journal == nil {
		journal = storage.Nop{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Harness{
		consumer:      consumer,
		proc:          proc,
		journal:       journal,
		workers:       max(cfg.Workers, 1),
		requeueFailed: cfg.RequeueFailed,
		metrics:       m,
		logger:        logger,
	}
}

// Run consumes until ctx is done or the consumer stops, then waits for
// in-flight messages to finish. Cancelling ctx stops intake only: a message
// already taken runs through its retries and is settled normally.
func (h *Harness) Run(ctx context.Context) error {
	deliveries, err := h.consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	h.logger.Info("Workers started", slog.Int("workers", h.workers))

	var wg sync.WaitGroup
	for i := 0; i < h.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for d := range deliveries {
				h.handle(context.WithoutCancel(ctx), d)
			}
			h.logger.Debug("Worker stopped", slog.Int("worker", id))
		}(i)
	}
	wg.Wait()

	h.logger.Info("Workers stopped")
	return nil
}

func (h *Harness) handle(ctx context.Context, d queue.Delivery) {
	out := h.Process(ctx, d)
	if err := out.Settle(d.Acker, h.requeueFailed); err != nil {
		h.logger.Error("Failed to settle delivery",
			slog.String("message_id", out.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

// Process runs a single delivery through the pipeline and journals it. It
// does not settle the delivery, so it also serves synchronous submissions
// and replays.
func (h *Harness) Process(ctx context.Context, d queue.Delivery) Outcome {
	msg, err := models.NewMessage(d.Topic, d.Headers, d.Body)
	if err != nil {
		m := h.metrics
		m.Inc(&m.MessagesReceivedTotal)
		m.Inc(&m.MessagesInvalidTotal)
		out := Outcome{MessageID: d.MessageID, Err: fmt.Errorf("%w: %v", pipeline.ErrInvalidMessage, err)}
		h.logger.Error("Failed to decode delivery", slog.String("message_id", d.MessageID), slog.String("topic", d.Topic), slog.String("error", err.Error()))
		return h.finish(ctx, d.Topic, d.Body, out)
	}
	if msg.ID() == "" && d.MessageID != "" {
		if msg.Headers == nil {
			msg.Headers = map[string]any{}
		}
		msg.Headers["message-id"] = d.MessageID
	}

	out := Outcome{MessageID: msg.ID(), Schema: h.proc.Schema(msg)}
	out.Success, out.Err = h.proc.Consume(ctx, msg)

	raw := d.Body
	if !out.Success {
		// Archive the full envelope so a replay sees the same topic and headers.
		if envelope, err := json.Marshal(msg); err == nil {
			raw = envelope
		}
	}
	return h.finish(ctx, msg.Topic, raw, out)
}

// finish archives failed routed messages and writes the journal row.
// Storage problems are logged and never change the outcome.
func (h *Harness) finish(ctx context.Context, topic string, raw []byte, out Outcome) Outcome {
	rec := &models.ProcessingRecord{
		MessageID:   out.MessageID,
		Topic:       topic,
		Schema:      string(out.Schema),
		Success:     out.Success,
		ProcessedAt: time.Now().UTC(),
	}
	switch {
	case out.Err != nil:
		rec.Error = out.Err.Error()
	case !out.Success && out.Schema == pipeline.SchemaNone:
		rec.Error = "no normalizer matched the message"
	case !out.Success:
		rec.Error = "a result was not accepted"
	}

	if !out.Success && !(out.Err == nil && out.Schema == pipeline.SchemaNone) {
		key, err := h.journal.Archive(ctx, rec, raw)
		if err != nil {
			h.logger.Error("Failed to archive message", slog.String("message_id", out.MessageID), slog.String("error", err.Error()))
		} else if key != "" {
			m := h.metrics
			m.Inc(&m.ArchivedTotal)
			rec.ArchiveKey = key
			out.ArchiveKey = key
		}
	}

	if err := h.journal.Record(ctx, rec); err != nil {
		h.logger.Error("Failed to journal message", slog.String("message_id", out.MessageID), slog.String("error", err.Error()))
	}
	return out
}

// Replay fetches an archived message and processes it again.
func (h *Harness) Replay(ctx context.Context, messageID string) (Outcome, error) {
	raw, err := h.journal.FetchArchived(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("failed to fetch archived message %s: %w", messageID, err)
	}

	m := h.metrics
	m.Inc(&m.ReplayedTotal)
	h.logger.Info("Replaying archived message", slog.String("message_id", messageID))
	return h.Process(ctx, queue.Delivery{MessageID: messageID, Body: raw}), nil
}
