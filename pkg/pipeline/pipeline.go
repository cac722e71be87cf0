// Package pipeline turns CI events into ResultsDB results.
//
// A message is routed to one normalizer by its headers and topic. The
// normalizer validates and extracts everything it needs up front, resolves
// the group the results belong to, and then the results are submitted one
// at a time, stopping at the first one the service does not accept.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/metrics"
	"github.com/husmancristian/resultsdb-updater/pkg/models"
	"github.com/husmancristian/resultsdb-updater/pkg/resultsdb"
)

// ErrInvalidMessage wraps every reason a message cannot be normalised. It is
// returned before any request is made for that message.
var ErrInvalidMessage = errors.New("invalid message")

// ResultsService is the part of the ResultsDB client the pipeline needs.
type ResultsService interface {
	CreateResult(ctx context.Context, result *models.Result) bool
	GetFirstGroup(ctx context.Context, description string) (*models.Group, error)
}

// Pipeline is safe for concurrent use; it keeps no state between messages
// apart from counters.
type Pipeline struct {
	results ResultsService
	router  *Router
	newUUID func() string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithUUIDGenerator replaces uuid.NewString for new groups.
func WithUUIDGenerator(gen func() string) Option {
	return func(p *Pipeline) { p.newUUID = gen }
}

// WithMetrics makes the pipeline count into m instead of a private set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func New(results ResultsService, routes config.RoutesConfig, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		results: results,
		router:  NewRouter(routes),
		newUUID: uuid.NewString,
		metrics: metrics.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Metrics returns the counters the pipeline updates.
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// Schema reports which normalizer Consume would use for msg.
func (p *Pipeline) Schema(msg *models.Message) Schema {
	return p.router.Route(msg)
}

// Consume processes one message and reports whether every result for it was
// accepted. A message no normalizer handles yields (false, nil). The error is
// non-nil only for fatal conditions: it wraps ErrInvalidMessage when the
// message itself is unusable and resultsdb.ErrGroupLookup when groups could
// not be queried. Neither is worth redelivering.
func (p *Pipeline) Consume(ctx context.Context, msg *models.Message) (bool, error) {
	m := p.metrics
	m.Inc(&m.MessagesReceivedTotal)

	schema := p.router.Route(msg)
	logger := p.logger.With(
		slog.String("message_id", msg.ID()),
		slog.String("topic", topicOf(msg)),
		slog.String("schema", string(schema)),
	)

	if schema == SchemaNone {
		m.Inc(&m.MessagesSkippedTotal)
		logger.Warn("No normalizer matched the message, skipping")
		return false, nil
	}

	results, err := p.normalize(ctx, logger, schema, msg)
	if err != nil {
		if errors.Is(err, resultsdb.ErrGroupLookup) {
			m.Inc(&m.MessagesFailedTotal)
		} else {
			m.Inc(&m.MessagesInvalidTotal)
		}
		logger.Error("The message could not be processed", slog.String("error", err.Error()))
		return false, err
	}

	if !p.submit(ctx, logger, results) {
		m.Inc(&m.MessagesFailedTotal)
		return false, nil
	}

	m.Inc(&m.MessagesSucceededTotal)
	logger.Info("Message processed", slog.Int("results", len(results)))
	return true, nil
}

func (p *Pipeline) normalize(ctx context.Context, logger *slog.Logger, schema Schema, msg *models.Message) ([]models.Result, error) {
	body, err := bodyOf(msg)
	if err != nil {
		return nil, err
	}

	switch schema {
	case SchemaCIMetrics:
		ev, err := extractCIMetrics(logger, body)
		if err != nil {
			return nil, err
		}
		return ev.results(p.newUUID()), nil
	case SchemaCIPS:
		ev, err := extractCIPS(newFields("headers", msg.Headers), body)
		if err != nil {
			return nil, err
		}
		return ev.results(p.newUUID()), nil
	case SchemaResultsDB:
		ev, err := extractResultsDB(body)
		if err != nil {
			return nil, err
		}
		return p.resultsDBResults(ctx, logger, ev)
	}
	return nil, fmt.Errorf("%w: unsupported schema %q", ErrInvalidMessage, schema)
}

// submit posts results in order and stops at the first failure.
func (p *Pipeline) submit(ctx context.Context, logger *slog.Logger, results []models.Result) bool {
	m := p.metrics
	for i := range results {
		if !p.results.CreateResult(ctx, &results[i]) {
			m.Inc(&m.ResultsFailedTotal)
			logger.Error("A new result for the message couldn't be created",
				slog.Int("index", i),
				slog.Int("total", len(results)),
				slog.String("testcase", testcaseName(results[i].TestCase)),
			)
			return false
		}
		m.Inc(&m.ResultsSubmittedTotal)
	}
	return true
}

// bodyOf returns the schema payload of msg.
func bodyOf(msg *models.Message) (fields, error) {
	if msg.Headers == nil {
		return fields{}, fmt.Errorf("%w: message has no headers", ErrInvalidMessage)
	}
	if msg.Body.Msg == nil {
		return fields{}, fmt.Errorf("%w: message has no body.msg", ErrInvalidMessage)
	}
	return newFields("body.msg", msg.Body.Msg), nil
}

func topicOf(msg *models.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Topic
}

func testcaseName(tc any) string {
	switch t := tc.(type) {
	case models.TestCase:
		return t.Name
	case map[string]any:
		return text(t["name"])
	default:
		return text(t)
	}
}
