package s3blob

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

type upload struct {
	path        string
	data        []byte
	contentType string
}

type fakeWriter struct {
	uploads []upload
}

func (w *fakeWriter) Put(ctx context.Context, path string, data []byte, contentType string) error {
	w.uploads = append(w.uploads, upload{path, data, contentType})
	return nil
}

type fakeRecordStore struct {
	records []domain.PhaseExecutionRecord
}

func (s *fakeRecordStore) Insert(ctx context.Context, rec domain.PhaseExecutionRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeRecordStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.PhaseExecutionRecord, error) {
	return nil, nil
}

func (s *fakeRecordStore) ListBefore(ctx context.Context, before time.Time) ([]domain.PhaseExecutionRecord, error) {
	var out []domain.PhaseExecutionRecord
	for _, rec := range s.records {
		if rec.ExecutedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func sampleRecords(n int, at time.Time) []domain.PhaseExecutionRecord {
	out := make([]domain.PhaseExecutionRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.PhaseExecutionRecord{
			ID:             "rec-" + string(rune('a'+i)),
			PositionID:     "pos-1",
			Phase:          i + 1,
			ExecutionPrice: 110,
			Amount:         5,
			Profit:         50,
			ExecutedAt:     at,
		})
	}
	return out
}

func TestArchiveRecordsWritesJSONL(t *testing.T) {
	w := &fakeWriter{}
	a := NewRecordArchiver(w, nil)

	err := a.ArchiveRecords(context.Background(), sampleRecords(3, time.Now().UTC()))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	if len(w.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(w.uploads))
	}
	up := w.uploads[0]
	if up.contentType != "application/x-ndjson" {
		t.Fatalf("content type = %s", up.contentType)
	}
	if !strings.HasPrefix(up.path, "archive/phase_records/") || !strings.HasSuffix(up.path, ".jsonl") {
		t.Fatalf("path = %s", up.path)
	}

	lines := strings.Split(strings.TrimRight(string(up.data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want one per record", len(lines))
	}
	var row struct {
		ID    string `json:"id"`
		Phase int    `json:"phase"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &row); err != nil {
		t.Fatalf("line 2 not valid JSON: %v", err)
	}
	if row.ID != "rec-b" || row.Phase != 2 {
		t.Fatalf("line 2 = %+v", row)
	}
}

func TestArchiveRecordsEmptyIsNoop(t *testing.T) {
	w := &fakeWriter{}
	a := NewRecordArchiver(w, nil)

	if err := a.ArchiveRecords(context.Background(), nil); err != nil {
		t.Fatalf("archive empty: %v", err)
	}
	if len(w.uploads) != 0 {
		t.Fatal("empty batch produced an upload")
	}
}

func TestArchiveBefore(t *testing.T) {
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecordStore{}
	store.records = append(store.records, sampleRecords(2, cutoff.AddDate(0, -2, 0))...)
	store.records = append(store.records, sampleRecords(1, cutoff.AddDate(0, 1, 0))...)

	w := &fakeWriter{}
	a := NewRecordArchiver(w, store)

	n, err := a.ArchiveBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("archive before: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want only records before the cutoff", n)
	}
	if len(w.uploads) != 1 || w.uploads[0].path != "archive/phase_records/2026-06.jsonl" {
		t.Fatalf("uploads = %+v, want one year-month partition", w.uploads)
	}
}

func TestArchiveBeforeNothingOld(t *testing.T) {
	store := &fakeRecordStore{records: sampleRecords(2, time.Now().UTC())}
	w := &fakeWriter{}
	a := NewRecordArchiver(w, store)

	n, err := a.ArchiveBefore(context.Background(), time.Now().UTC().AddDate(-1, 0, 0))
	if err != nil {
		t.Fatalf("archive before: %v", err)
	}
	if n != 0 || len(w.uploads) != 0 {
		t.Fatalf("archived = %d, uploads = %d, want nothing", n, len(w.uploads))
	}
}
