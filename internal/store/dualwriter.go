package store

import (
	"context"
	"fmt"
	"log/slog"

	playbook "github.com/parchmint/playbook-engine"
)

// DualWriter implements playbook.ResultWriter over a RecordStore: the audit
// record is the primary write, the search fields the secondary. A failed
// primary fails the persist; a failed secondary degrades to PartialSuccess
// and is logged, never retried synchronously. Callers that need the search
// fields repaired re-run the node or fix them out of band.
type DualWriter struct {
	store  playbook.RecordStore
	logger *slog.Logger
}

// NewDualWriter wraps the record store.
func NewDualWriter(store playbook.RecordStore, logger *slog.Logger) *DualWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualWriter{store: store, logger: logger}
}

// Persist implements playbook.ResultWriter.
func (w *DualWriter) Persist(ctx context.Context, rec playbook.AuditRecord, fields playbook.SearchFields) playbook.StorageOutcome {
	recordID, err := w.store.CreateAuditRecord(ctx, rec)
	if err != nil {
		w.logger.Error("primary audit write failed",
			"run_id", rec.RunID, "node_id", rec.NodeID, "error", err)
		return playbook.Failure(fmt.Sprintf("audit record write failed: %v", err))
	}

	if err := w.store.UpdateSearchFields(ctx, rec.DocumentID, fields); err != nil {
		w.logger.Warn("secondary search-field write failed, result remains retrievable by audit record",
			"run_id", rec.RunID, "node_id", rec.NodeID, "record_id", recordID, "error", err)
		return playbook.PartialSuccess(recordID,
			fmt.Sprintf("audit record %s written but search fields failed: %v", recordID, err))
	}

	return playbook.FullSuccess(recordID)
}
