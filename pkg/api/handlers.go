package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	httperrors "github.com/husmancristian/resultsdb-updater/errors"
	"github.com/husmancristian/resultsdb-updater/pkg/metrics"
	"github.com/husmancristian/resultsdb-updater/pkg/pipeline"
	"github.com/husmancristian/resultsdb-updater/pkg/queue"
	"github.com/husmancristian/resultsdb-updater/pkg/resultsdb"
	"github.com/husmancristian/resultsdb-updater/pkg/storage"
	"github.com/husmancristian/resultsdb-updater/pkg/worker"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

const (
	maxMessageSize   = 16 << 20 // 16 MB
	defaultListLimit = 50
	maxListLimit     = 500
)

// MessageProcessor is the part of *worker.Harness the API drives.
type MessageProcessor interface {
	Process(ctx context.Context, d queue.Delivery) worker.Outcome
	Replay(ctx context.Context, messageID string) (worker.Outcome, error)
}

type API struct {
	Processor MessageProcessor
	Journal   storage.Journal
	Metrics   *metrics.Metrics
	Inspector queue.Inspector // Optional, nil when the bus cannot report its depth
	Logger    *slog.Logger
}

func NewAPI(proc MessageProcessor, journal storage.Journal, m *metrics.Metrics, inspector queue.Inspector, logger *slog.Logger) *API {
	if journal == nil {
		journal = storage.Nop{}
	}
	return &API{Processor: proc, Journal: journal, Metrics: m, Inspector: inspector, Logger: logger}
}

type statsResponse struct {
	metrics.Snapshot
	QueueDepth *int `json:"queue_depth,omitempty"`
}

type processResponse struct {
	MessageID  string `json:"message_id,omitempty"`
	Schema     string `json:"schema,omitempty"`
	Success    bool   `json:"success"`
	ArchiveKey string `json:"archive_key,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newProcessResponse(out worker.Outcome) processResponse {
	resp := processResponse{
		MessageID:  out.MessageID,
		Schema:     string(out.Schema),
		Success:    out.Success,
		ArchiveKey: out.ArchiveKey,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// HandleGetStats serves the counters and, when available, the bus backlog.
// ?format=text returns the counters as key=value lines.
func (a *API) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleGetStats"))

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, a.Metrics.String())
		return
	}

	resp := statsResponse{Snapshot: a.Metrics.Snapshot()}
	if a.Inspector != nil {
		depth, err := a.Inspector.Depth()
		if err != nil {
			logger.Warn("Failed to read queue depth", slog.String("error", err.Error()))
		} else {
			resp.QueueDepth = &depth
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// HandleSubmitMessage runs one message through the pipeline synchronously.
// The body is either a full envelope or a bare payload, in which case the
// topic comes from the "topic" query parameter.
func (a *API) HandleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleSubmitMessage"))
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		httperrors.BadRequest(w, logger, err, "Failed to read request body")
		return
	}
	if len(body) == 0 {
		httperrors.BadRequest(w, logger, nil, "Request body is empty")
		return
	}

	out := a.Processor.Process(r.Context(), queue.Delivery{
		Topic:     r.URL.Query().Get("topic"),
		MessageID: r.URL.Query().Get("message_id"),
		Body:      body,
	})
	a.respondOutcome(w, logger, out)
}

// HandleListFailed lists the most recent failed messages.
func (a *API) HandleListFailed(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleListFailed"))

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httperrors.BadRequest(w, logger, err, fmt.Sprintf("Invalid limit '%s'", raw))
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := a.Journal.ListFailed(r.Context(), limit)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to list failed messages")
		return
	}
	a.writeJSON(w, http.StatusOK, records)
}

// HandleReplayMessage processes an archived message again.
func (a *API) HandleReplayMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	logger := a.Logger.With(slog.String("handler", "HandleReplayMessage"), slog.String("message_id", messageID))
	if messageID == "" {
		httperrors.BadRequest(w, logger, nil, "Missing message id")
		return
	}

	out, err := a.Processor.Replay(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httperrors.NotFound(w, logger, err, fmt.Sprintf("No archived message with id '%s'", messageID))
			return
		}
		httperrors.InternalServerError(w, logger, err, "Failed to fetch archived message")
		return
	}
	a.respondOutcome(w, logger, out)
}

// respondOutcome maps a pipeline outcome to a status: malformed messages are
// the caller's fault, an unreachable ResultsDB is not, and everything else
// is reported in the body.
func (a *API) respondOutcome(w http.ResponseWriter, logger *slog.Logger, out worker.Outcome) {
	switch {
	case errors.Is(out.Err, pipeline.ErrInvalidMessage):
		httperrors.UnprocessableEntity(w, logger, out.Err, "Message cannot be processed")
	case errors.Is(out.Err, resultsdb.ErrGroupLookup):
		httperrors.ServiceUnavailable(w, logger, out.Err, "ResultsDB group lookup failed")
	default:
		a.writeJSON(w, http.StatusOK, newProcessResponse(out))
	}
}
