package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// monthLimit caps the rows read for one archive month.
	monthLimit = 100_000
)

// PositionArchiveStore is the read side of the position store used by the
// archiver.
type PositionArchiveStore interface {
	ListClosedBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Position, error)
}

// multipartWriter is implemented by Writer for large objects.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver implements domain.Archiver. It writes one JSONL object per
// calendar month to archive/<kind>/YYYY-MM.jsonl and never deletes rows from
// the primary store.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions PositionArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates an Archiver. reader may be nil, in which case every
// month is rewritten on each run.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, positions PositionArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
	}
}

// ArchiveClosedPositions archives every complete calendar month of closed
// positions before the month containing before. It returns the number of
// rows written.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	oldest, err := a.positions.ListClosedBetween(ctx, time.Time{}, before, 1)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(oldest) == 0 || oldest[0].ClosedAt == nil {
		return 0, nil
	}

	var total int64
	var paths []string
	for _, m := range completeMonths(*oldest[0].ClosedAt, before) {
		path := archivePath("positions", m)
		if done, err := a.archived(ctx, path); err != nil {
			return total, err
		} else if done {
			continue
		}
		rows, err := a.positions.ListClosedBetween(ctx, m, m.AddDate(0, 1, 0), monthLimit)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions %s: %w", m.Format("2006-01"), err)
		}
		if len(rows) == 0 {
			continue
		}
		if err := a.upload(ctx, path, rows); err != nil {
			return total, err
		}
		total += int64(len(rows))
		paths = append(paths, path)
	}
	return total, a.record(ctx, "archive.positions", paths, total, before)
}

// ArchiveAuditLog archives audit entries the same way.
func (a *Archiver) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	cutoff := monthStart(before)
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &cutoff, Limit: monthLimit})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	byMonth := make(map[time.Time][]domain.AuditEntry)
	for _, e := range entries {
		if m := monthStart(e.CreatedAt); m.Before(cutoff) {
			byMonth[m] = append(byMonth[m], e)
		}
	}
	months := make([]time.Time, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	var total int64
	var paths []string
	for _, m := range months {
		path := archivePath("audit_log", m)
		if done, err := a.archived(ctx, path); err != nil {
			return total, err
		} else if done {
			continue
		}
		rows := byMonth[m]
		sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
		if err := a.upload(ctx, path, rows); err != nil {
			return total, err
		}
		total += int64(len(rows))
		paths = append(paths, path)
	}
	return total, a.record(ctx, "archive.audit_log", paths, total, before)
}

func (a *Archiver) archived(ctx context.Context, path string) (bool, error) {
	if a.reader == nil {
		return false, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("s3blob: check %s: %w", path, err)
	}
	return ok, nil
}

func (a *Archiver) upload(ctx context.Context, path string, rows any) error {
	buf, err := marshalJSONL(rows)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal %s: %w", path, err)
	}
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(buf)) > minPartSize {
		err = mw.PutMultipart(ctx, path, bytes.NewReader(buf), jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
	}
	return nil
}

func (a *Archiver) record(ctx context.Context, event string, paths []string, count int64, before time.Time) error {
	if count == 0 {
		return nil
	}
	if err := a.audit.Log(ctx, event, map[string]any{
		"paths":  paths,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// completeMonths lists the month starts from the month of oldest up to, but
// excluding, the month containing before.
func completeMonths(oldest, before time.Time) []time.Time {
	var out []time.Time
	end := monthStart(before)
	for m := monthStart(oldest); m.Before(end); m = m.AddDate(0, 1, 0) {
		out = append(out, m)
	}
	return out
}

// archivePath builds the object key for one month, e.g.
// archive/positions/2025-01.jsonl.
func archivePath(kind string, month time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month.Format("2006-01"))
}

// marshalJSONL encodes rows, which must be a slice, one JSON value per line.
func marshalJSONL(rows any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	switch rs := rows.(type) {
	case []domain.Position:
		for i, r := range rs {
			if err := enc.Encode(r); err != nil {
				return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
			}
		}
	case []domain.AuditEntry:
		for i, r := range rs {
			if err := enc.Encode(r); err != nil {
				return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
			}
		}
	default:
		return nil, fmt.Errorf("jsonl: unsupported rows %T", rows)
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
