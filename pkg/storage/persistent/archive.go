package persistent

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Archived raw messages are small; BestSpeed keeps failure handling cheap.
var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

// compress gzips raw into a new slice owned by the caller.
func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzipPool.Get().(*gzip.Writer)
	gz.Reset(&buf)
	defer gzipPool.Put(gz)

	if _, err := gz.Write(raw); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("failed to compress message: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compressed message: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress, refusing output larger than limit bytes.
func decompress(r io.Reader, limit int64) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open archived message: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(io.LimitReader(gz, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read archived message: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("archived message exceeds %d bytes", limit)
	}
	return raw, nil
}

// objectKey is failed/<yyyy>/<mm>/<dd>/<message id>.json.gz, with the id made path safe.
func objectKey(messageID string, at time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, messageID)
	if safe == "" {
		safe = "unnamed"
	}
	at = at.UTC()
	return path.Join("failed", at.Format("2006"), at.Format("01"), at.Format("02"), safe+".json.gz")
}
