package persistent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/models"
	"github.com/husmancristian/resultsdb-updater/pkg/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Ensure Store implements storage.Journal interface at compile time
var _ storage.Journal = (*Store)(nil)

// maxArchivedSize bounds what a replay will read back.
const maxArchivedSize = 16 << 20

const (
	createJournalSQL = `
		CREATE TABLE IF NOT EXISTS processed_messages (
			id BIGSERIAL PRIMARY KEY,
			message_id VARCHAR(255) NOT NULL,
			topic TEXT NOT NULL,
			schema_name VARCHAR(50),
			success BOOLEAN NOT NULL,
			error TEXT,
			archive_key TEXT,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_processed_messages_message_id ON processed_messages (message_id);
		CREATE INDEX IF NOT EXISTS idx_processed_messages_failed ON processed_messages (processed_at DESC) WHERE NOT success;
	`
	insertRecordSQL = `
		INSERT INTO processed_messages (message_id, topic, schema_name, success, error, archive_key, processed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7);
	`
	listFailedSQL = `
		SELECT message_id, topic, COALESCE(schema_name, ''), success, COALESCE(error, ''), COALESCE(archive_key, ''), processed_at
		FROM processed_messages
		WHERE NOT success
		ORDER BY processed_at DESC
		LIMIT $1;
	`
	latestArchiveKeySQL = `
		SELECT archive_key
		FROM processed_messages
		WHERE message_id = $1 AND archive_key IS NOT NULL
		ORDER BY processed_at DESC
		LIMIT 1;
	`
)

// Store implements storage.Journal using PostgreSQL for records and MinIO for raw messages.
type Store struct {
	db          *pgxpool.Pool // PostgreSQL connection pool
	minioClient *minio.Client // MinIO client, nil when archiving is disabled
	bucketName  string        // MinIO bucket name
	logger      *slog.Logger
}

// NewStore connects to PostgreSQL, creates the journal table and, when an
// endpoint and credentials are configured, prepares the MinIO bucket.
func NewStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	// --- Connect to PostgreSQL ---
	dbpool, err := pgxpool.New(ctx, cfg.Postgres_DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := dbpool.Exec(ctx, createJournalSQL); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to create journal table: %w", err)
	}
	logger.Info("PostgreSQL connection pool established")

	s := &Store{db: dbpool, bucketName: cfg.MinIO_BucketName, logger: logger}

	if cfg.MinIO_Endpoint == "" || cfg.MinIO_AccessKey == "" {
		logger.Info("MinIO not configured, failed messages will not be archived")
		return s, nil
	}

	// --- Connect to MinIO ---
	minioClient, err := minio.New(cfg.MinIO_Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO_AccessKey, cfg.MinIO_SecretKey, ""),
		Secure: cfg.MinIO_UseSSL,
	})
	if err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	logger.Info("MinIO client initialized", slog.String("endpoint", cfg.MinIO_Endpoint))

	// --- Ensure MinIO Bucket Exists ---
	bctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := minioClient.MakeBucket(bctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
		exists, errBucketExists := minioClient.BucketExists(bctx, s.bucketName)
		if errBucketExists != nil || !exists {
			dbpool.Close()
			return nil, fmt.Errorf("failed to make/verify MinIO bucket '%s': %w", s.bucketName, err)
		}
		logger.Info("MinIO bucket already exists", slog.String("bucket", s.bucketName))
	} else {
		logger.Info("Successfully created MinIO bucket", slog.String("bucket", s.bucketName))
	}

	s.minioClient = minioClient
	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.logger.Info("Closing persistent storage connections")
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Record appends one journal row.
func (s *Store) Record(ctx context.Context, rec *models.ProcessingRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot record a nil processing record")
	}
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, insertRecordSQL,
		rec.MessageID,
		rec.Topic,
		rec.Schema,
		rec.Success,
		rec.Error,
		rec.ArchiveKey,
		processedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record message %s: %w", rec.MessageID, err)
	}
	s.logger.Debug("Recorded processed message", slog.String("message_id", rec.MessageID), slog.Bool("success", rec.Success))
	return nil
}

// Archive uploads the gzip'd raw message and returns its object key. Without
// MinIO it returns an empty key.
func (s *Store) Archive(ctx context.Context, rec *models.ProcessingRecord, raw []byte) (string, error) {
	if s.minioClient == nil {
		return "", nil
	}

	data, err := compress(raw)
	if err != nil {
		return "", err
	}

	key := objectKey(rec.MessageID, time.Now())
	info, err := s.minioClient.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		UserMetadata: map[string]string{
			"message-id": rec.MessageID,
			"topic":      rec.Topic,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive message '%s': %w", rec.MessageID, err)
	}
	s.logger.Info("Archived failed message", slog.String("bucket", info.Bucket), slog.String("key", info.Key), slog.Int64("size", info.Size))
	return info.Key, nil
}

// ListFailed returns up to limit failed records, newest first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]models.ProcessingRecord, error) {
	rows, err := s.db.Query(ctx, listFailedSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed messages: %w", err)
	}
	defer rows.Close()

	records := []models.ProcessingRecord{}
	for rows.Next() {
		var rec models.ProcessingRecord
		if err := rows.Scan(&rec.MessageID, &rec.Topic, &rec.Schema, &rec.Success, &rec.Error, &rec.ArchiveKey, &rec.ProcessedAt); err != nil {
			s.logger.Error("Failed to scan processed message row", slog.String("error", err.Error()))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed message rows: %w", err)
	}
	return records, nil
}

// FetchArchived downloads the latest archived copy of messageID.
func (s *Store) FetchArchived(ctx context.Context, messageID string) ([]byte, error) {
	if s.minioClient == nil {
		return nil, storage.ErrNotFound
	}

	var key string
	if err := s.db.QueryRow(ctx, latestArchiveKeySQL, messageID).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up archive for message %s: %w", messageID, err)
	}

	obj, err := s.minioClient.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived message '%s': %w", key, err)
	}
	defer obj.Close()

	raw, err := decompress(obj, maxArchivedSize)
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey" {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}
