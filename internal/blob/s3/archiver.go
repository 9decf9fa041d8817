package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

const (
	// archivePageSize bounds each ledger query while collecting a month.
	archivePageSize = 500
	// multipartThreshold switches large months to the upload manager.
	multipartThreshold = 2 * minPartSize
)

// TradeLedger is the read side of the closed-trade ledger the archiver needs.
type TradeLedger interface {
	ListClosedTrades(ctx context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error)
}

// LedgerArchiver implements domain.Archiver. It copies one calendar month of
// the closed-trade ledger to archive/closed_trades/YYYY-MM.jsonl, oldest
// exit first. The ledger itself is never pruned.
type LedgerArchiver struct {
	ledger TradeLedger
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	loc    *time.Location
}

// NewArchiver creates a LedgerArchiver. audit may be nil; loc defaults to UTC.
func NewArchiver(ledger TradeLedger, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, loc *time.Location) *LedgerArchiver {
	if loc == nil {
		loc = time.UTC
	}
	return &LedgerArchiver{ledger: ledger, writer: writer, reader: reader, audit: audit, loc: loc}
}

// ArchiveMonth uploads the month containing month and returns the number of
// trades written. A month that is already archived is left alone and
// reports zero.
func (a *LedgerArchiver) ArchiveMonth(ctx context.Context, month time.Time) (int64, error) {
	start, end := monthBounds(month, a.loc)
	path := ArchivePath(start)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if exists {
		return 0, nil
	}

	trades, err := a.collect(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if int64(len(buf)) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}

	count := int64(len(trades))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.closed_trades", map[string]any{
			"path":  path,
			"count": count,
			"month": start.Format("2006-01"),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return count, nil
}

func (a *LedgerArchiver) collect(ctx context.Context, start, end time.Time) ([]domain.ClosedTrade, error) {
	var all []domain.ClosedTrade
	for offset := 0; ; offset += archivePageSize {
		page, err := a.ledger.ListClosedTrades(ctx, domain.ListOpts{
			Since:  &start,
			Until:  &end,
			Limit:  archivePageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	slices.SortStableFunc(all, func(x, y domain.ClosedTrade) int {
		return x.ExitTime.Compare(y.ExitTime)
	})
	return all, nil
}

// ArchivePath is the object key for one month of the closed-trade ledger.
func ArchivePath(month time.Time) string {
	return fmt.Sprintf("archive/closed_trades/%s.jsonl", domain.MonthKey(month))
}

// monthBounds returns [first instant of the month, first instant of the
// next month) in loc.
func monthBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*LedgerArchiver)(nil)
