package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// terminalStatuses are the proposal end states eligible for archival.
var terminalStatuses = []domain.ProposalStatus{
	domain.ProposalStatusExecuted,
	domain.ProposalStatusCancelled,
	domain.ProposalStatusFailed,
}

// ArchiveImpl implements domain.Archiver by querying the proposal store
// for terminal records, serializing them to JSONL, and uploading the
// result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	proposals domain.ProposalStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	proposals domain.ProposalStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		proposals: proposals,
		audit:     audit,
	}
}

// ArchiveProposals queries terminal proposals last updated before the
// cutoff, serializes them to JSONL, and uploads the file to S3 at
// archive/proposals/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveProposals(ctx context.Context, before time.Time) (int64, error) {
	var batch []domain.Proposal
	for _, status := range terminalStatuses {
		proposals, err := a.proposals.ListByStatus(ctx, status, domain.ListOpts{Until: &before})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive proposals query %s: %w", status, err)
		}
		for _, p := range proposals {
			if p.UpdatedAt.Before(before) {
				batch = append(batch, p)
			}
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(batch)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive proposals marshal: %w", err)
	}

	path := archivePath("proposals", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive proposals upload: %w", err)
	}

	count := int64(len(batch))
	if err := a.audit.Log(ctx, "archive.proposals", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive proposals audit log: %w", err)
	}
	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/proposals/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
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
var _ domain.Archiver = (*ArchiveImpl)(nil)
