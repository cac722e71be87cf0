package storage

import (
	"context"
	"errors"

	"github.com/husmancristian/resultsdb-updater/pkg/models"
)

// ErrNotFound is returned when no archived message exists for an id.
var ErrNotFound = errors.New("not found")

// Journal records what happened to each message and keeps the raw bytes of
// failed ones so they can be replayed. It is never read by the pipeline.
type Journal interface {
	// Record stores the outcome of one processed message.
	Record(ctx context.Context, rec *models.ProcessingRecord) error

	// Archive keeps the raw message for a later replay and returns its object key.
	Archive(ctx context.Context, rec *models.ProcessingRecord, raw []byte) (string, error)

	// ListFailed returns the most recent failed records, newest first.
	ListFailed(ctx context.Context, limit int) ([]models.ProcessingRecord, error)

	// FetchArchived returns the raw bytes archived for messageID.
	FetchArchived(ctx context.Context, messageID string) ([]byte, error)

	// Close releases any resources held by the journal (e.g., DB connections).
	Close() error
}

// Nop is the Journal used when no database is configured.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) Record(context.Context, *models.ProcessingRecord) error { return nil }

func (Nop) Archive(context.Context, *models.ProcessingRecord, []byte) (string, error) {
	return "", nil
}

func (Nop) ListFailed(context.Context, int) ([]models.ProcessingRecord, error) {
	return []models.ProcessingRecord{}, nil
}

func (Nop) FetchArchived(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

func (Nop) Close() error { return nil }
