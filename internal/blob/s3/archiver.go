package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradefleet/tradefleet/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these through their ListBefore methods; the archiver never needs
// the full domain store surface.
// ---------------------------------------------------------------------------

// TradeArchiveStore provides time-ranged read access to trades.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// OpportunityArchiveStore provides time-ranged read access to opportunities.
type OpportunityArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error)
}

// AuditArchiveStore provides time-ranged read access to audit entries plus
// the append used to record the archival event itself.
type AuditArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
	Append(ctx context.Context, action string, detail map[string]any) error
}

// Archiver implements domain.Archiver for one tenant by querying the stores
// for aged rows, serializing them to JSONL, and uploading to object storage.
//
// Deletion of archived rows is intentionally NOT performed here; that is a
// separate, explicit step executed after the archive has been verified.
type Archiver struct {
	writer   domain.BlobWriter
	tenantID string
	trades   TradeArchiveStore
	opps     OpportunityArchiveStore
	audit    AuditArchiveStore
	logger   *slog.Logger
}

// NewArchiver creates a tenant-scoped Archiver.
func NewArchiver(writer domain.BlobWriter, tenantID string, trades TradeArchiveStore, opps OpportunityArchiveStore, audit AuditArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		tenantID: tenantID,
		trades:   trades,
		opps:     opps,
		audit:    audit,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads all trades before the cutoff as JSONL and records
// the event in the audit log. Returns the number archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	return upload(ctx, a, "trades", before, trades)
}

// ArchiveOpportunities uploads all opportunities before the cutoff as JSONL
// and records the event in the audit log. Returns the number archived.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.opps.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	return upload(ctx, a, "opportunities", before, opps)
}

// ArchiveAudit uploads all audit entries before the cutoff as JSONL and
// records the event in the audit log. Returns the number archived.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return upload(ctx, a, "audit", before, entries)
}

func upload[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := a.archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Append(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.Warn("audit append failed for archive event",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}

	a.logger.Info("archived rows to object storage",
		slog.String("kind", kind), slog.String("path", path), slog.Int64("count", count))
	return count, nil
}

// archivePath builds the object key, partitioned by tenant and the
// year-month of the cutoff:
//
//	archive/{tenantID}/trades/2026-07.jsonl
func (a *Archiver) archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", a.tenantID, kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
