package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// RecordArchiver uploads phase execution records to cold storage as
// newline-delimited JSON. It serves two paths: records trimmed from an
// executor's in-memory history during maintenance cleanup, and periodic
// sweeps of old rows from the primary store.
//
// Deleting archived rows from the primary store is intentionally not done
// here. That is a separate explicit step after the archive is verified.
type RecordArchiver struct {
	writer  domain.BlobWriter
	records domain.PhaseRecordStore
}

// NewRecordArchiver creates a RecordArchiver. The store may be nil when only
// in-memory trim archival is needed.
func NewRecordArchiver(writer domain.BlobWriter, records domain.PhaseRecordStore) *RecordArchiver {
	return &RecordArchiver{writer: writer, records: records}
}

// archiveRecord is the JSONL wire form of one execution record.
type archiveRecord struct {
	ID             string    `json:"id"`
	PositionID     string    `json:"position_id"`
	Phase          int       `json:"phase"`
	ExecutionPrice float64   `json:"execution_price"`
	Amount         float64   `json:"amount"`
	Profit         float64   `json:"profit"`
	Fees           float64   `json:"fees"`
	Slippage       float64   `json:"slippage"`
	LatencyMs      int64     `json:"latency_ms"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// ArchiveRecords uploads the given records as one JSONL object keyed by the
// upload time. Called with history trimmed during maintenance cleanup.
func (a *RecordArchiver) ArchiveRecords(ctx context.Context, records []domain.PhaseExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive records marshal: %w", err)
	}

	path := fmt.Sprintf("archive/phase_records/%s.jsonl", time.Now().UTC().Format("2006-01-02T15-04-05"))
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive records upload: %w", err)
	}
	return nil
}

// ArchiveBefore queries the primary store for records executed before the
// cutoff and uploads them partitioned by year-month. Returns the count of
// archived records.
func (a *RecordArchiver) ArchiveBefore(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.records.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sweep query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive sweep marshal: %w", err)
	}

	path := fmt.Sprintf("archive/phase_records/%s.jsonl", before.Format("2006-01"))
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive sweep upload: %w", err)
	}
	return int64(len(records)), nil
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL(records []domain.PhaseExecutionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		row := archiveRecord{
			ID:             rec.ID,
			PositionID:     rec.PositionID,
			Phase:          rec.Phase,
			ExecutionPrice: rec.ExecutionPrice,
			Amount:         rec.Amount,
			Profit:         rec.Profit,
			Fees:           rec.Fees,
			Slippage:       rec.Slippage,
			LatencyMs:      rec.LatencyMs,
			ExecutedAt:     rec.ExecutedAt,
		}
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
