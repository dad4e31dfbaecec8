package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// Archiver implements domain.Archiver. It copies one day of ledger
// transactions at a time as JSONL and each reconciliation report as JSON.
// Nothing is removed from the primary store. It also implements
// domain.ArchiveBrowser over the same bucket.
type Archiver struct {
	ledger domain.Ledger
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. reader is used to skip days that are
// already archived.
func NewArchiver(
	ledger domain.Ledger,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		ledger: ledger,
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger,
	}
}

// ArchiveTransactions uploads the transactions created in the 24 hours
// before the cutoff to archive/transactions/YYYY/MM/DD.jsonl. A day that is
// already archived is skipped and reports zero.
func (a *Archiver) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()
	from := before.Add(-24 * time.Hour)
	path := transactionsPath(from)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions check: %w", err)
	}
	if exists {
		a.logger.Info("s3blob: transactions already archived", slog.String("path", path))
		return 0, nil
	}

	var txs []domain.Transaction
	if err := a.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		txs, err = tx.ListTransactionsBetween(ctx, from, before)
		return err
	}); err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	if len(txs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(txs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
	}

	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions upload: %w", err)
	}

	count := int64(len(txs))
	if err := a.audit.Log(ctx, "archive.transactions", map[string]any{
		"path":  path,
		"count": count,
		"from":  from.Format(time.RFC3339),
		"to":    before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive transactions audit log: %w", err)
	}
	return count, nil
}

// ArchiveReport uploads a reconciliation report and returns its path.
func (a *Archiver) ArchiveReport(ctx context.Context, r domain.ReconciliationReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive report marshal: %w", err)
	}

	path := reportPath(r)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive report upload: %w", err)
	}
	return path, nil
}

// ListArchives lists archived objects under archive/, optionally narrowed
// by a prefix relative to it such as "transactions/2025/01".
func (a *Archiver) ListArchives(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	infos, err := a.reader.List(ctx, archivePrefix+strings.TrimPrefix(prefix, archivePrefix))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives: %w", err)
	}
	return infos, nil
}

// OpenArchive streams one archived object. Paths outside archive/ are
// reported as not found.
func (a *Archiver) OpenArchive(ctx context.Context, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path, archivePrefix) {
		return nil, fmt.Errorf("s3blob: open archive %q: %w", path, domain.ErrNotFound)
	}
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: open archive %q: %w", path, err)
	}
	return rc, nil
}

const archivePrefix = "archive/"

// transactionsPath partitions transaction archives by day:
//
//	archive/transactions/2025/01/31.jsonl
func transactionsPath(day time.Time) string {
	return "archive/transactions/" + day.Format("2006/01/02") + ".jsonl"
}

// reportPath partitions reports by month:
//
//	archive/reconciliation/2025/01/<id>.json
func reportPath(r domain.ReconciliationReport) string {
	return fmt.Sprintf("archive/reconciliation/%s/%s.json", r.ReportDate.UTC().Format("2006/01"), r.ID)
}

// marshalJSONL serialises records as newline-delimited JSON.
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
