package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// TradeSource lists closed trades across all users.
type TradeSource interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.CompletedTrade, error)
}

// BlobWriter stores one object.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Result summarizes one monthly export.
type Result struct {
	Month        string
	Trades       int
	AuditEntries int
}

// Archiver exports a calendar month of trade history and audit log rows as
// JSONL objects under archive/<kind>/YYYY-MM.jsonl. Exports overwrite, so
// re-running a month is safe. Rows are not deleted from Postgres.
type Archiver struct {
	writer BlobWriter
	trades TradeSource
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	done map[string]bool
}

// NewArchiver creates an Archiver.
func NewArchiver(writer BlobWriter, trades TradeSource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
		done:   make(map[string]bool),
	}
}

// ArchiveMonth exports the calendar month (UTC) containing month.
func (a *Archiver) ArchiveMonth(ctx context.Context, month time.Time) (Result, error) {
	start := monthStart(month)
	// Until is inclusive and Postgres keeps microseconds.
	until := start.AddDate(0, 1, 0).Add(-time.Microsecond)
	opts := domain.ListOpts{Since: &start, Until: &until}
	res := Result{Month: start.Format("2006-01")}

	trades, err := a.trades.List(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("s3blob: archive trades query %s: %w", res.Month, err)
	}
	if err := upload(ctx, a.writer, "trades", start, trades); err != nil {
		return res, err
	}
	res.Trades = len(trades)

	entries, err := a.audit.List(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("s3blob: archive audit query %s: %w", res.Month, err)
	}
	// The audit store lists newest first.
	slices.Reverse(entries)
	if err := upload(ctx, a.writer, "audit", start, entries); err != nil {
		return res, err
	}
	res.AuditEntries = len(entries)

	if err := a.audit.Log(ctx, "archive.month", map[string]any{
		"month":         res.Month,
		"trades":        res.Trades,
		"audit_entries": res.AuditEntries,
	}); err != nil {
		return res, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	a.mu.Lock()
	a.done[res.Month] = true
	a.mu.Unlock()
	return res, nil
}

// Run exports the previous month once it has ended, checking every
// interval. Failures are logged and retried on the next check.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.archivePrevious(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Archiver) archivePrevious(ctx context.Context) {
	prev := monthStart(a.now()).AddDate(0, -1, 0)
	key := prev.Format("2006-01")

	a.mu.Lock()
	done := a.done[key]
	a.mu.Unlock()
	if done {
		return
	}

	res, err := a.ArchiveMonth(ctx, prev)
	if err != nil {
		a.logger.WarnContext(ctx, "monthly export failed",
			slog.String("month", key),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "monthly export complete",
		slog.String("month", res.Month),
		slog.Int("trades", res.Trades),
		slog.Int("audit_entries", res.AuditEntries),
	)
}

// upload skips empty months so no zero-byte objects are written.
func upload[T any](ctx context.Context, w BlobWriter, kind string, month time.Time, records []T) error {
	if len(records) == 0 {
		return nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	path := archivePath(kind, month)
	if err := w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	return nil
}

// archivePath builds the object key, partitioned by year-month:
//
//	archive/trades/2026-01.jsonl
//	archive/audit/2026-01.jsonl
func archivePath(kind string, month time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month.Format("2006-01"))
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// marshalJSONL encodes each record as one compact JSON line.
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
