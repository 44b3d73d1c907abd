package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avdcosta/stopguard/internal/domain"
)

// ClosedPositionSource lists closed positions eligible for archiving.
type ClosedPositionSource interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.PositionStopState, error)
}

// PublishedOutboxSource lists delivered outbox rows eligible for archiving.
type PublishedOutboxSource interface {
	ListPublishedBefore(ctx context.Context, before time.Time) ([]domain.OutboxMessage, error)
}

// Archiver exports terminal rows to object storage as JSONL batches,
// partitioned by month. Rows are never deleted here; pruning happens as a
// separate step once the archive object is verified.
type Archiver struct {
	writer    domain.BlobWriter
	positions ClosedPositionSource
	outbox    PublishedOutboxSource
	logger    *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver builds an Archiver over the given writer and row sources.
func NewArchiver(writer domain.BlobWriter, positions ClosedPositionSource, outbox PublishedOutboxSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		outbox:    outbox,
		logger:    logger.With("component", "archiver"),
	}
}

// ArchiveClosedPositions uploads all positions closed before the cutoff and
// returns the number of rows written.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list closed positions: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: encode positions: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, err
	}

	a.logger.Info("archived closed positions",
		"count", len(rows),
		"path", path,
		"before", before,
	)
	return int64(len(rows)), nil
}

// ArchivePublishedOutbox uploads all delivered outbox rows older than the
// cutoff and returns the number of rows written.
func (a *Archiver) ArchivePublishedOutbox(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.outbox.ListPublishedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list published outbox: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: encode outbox: %w", err)
	}

	path := archivePath("outbox", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, err
	}

	a.logger.Info("archived published outbox rows",
		"count", len(rows),
		"path", path,
		"before", before,
	)
	return int64(len(rows)), nil
}

// marshalJSONL encodes a slice as newline-delimited JSON.
func marshalJSONL[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// archivePath builds the object key for a batch, partitioned by the cutoff
// month: archive/<kind>/2006-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}
