package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/invigil/invigil/internal/store"
	"github.com/invigil/invigil/internal/telemetry/log"
)

const defaultPollInterval = 2 * time.Second

// Worker runs the single dedicated analyzer loop: poll for the oldest
// `received` submission with an artifact, mark it `processing`, analyze
// outside any transaction, commit findings and flip to `processed` in a
// second transaction, then move the archive file last.
type Worker struct {
	st           *store.Store
	log          *log.Logger
	processedDir string
	pollInterval time.Duration
}

func NewWorker(st *store.Store, logger *log.Logger, processedDir string) *Worker {
	return &Worker{st: st, log: logger, processedDir: processedDir, pollInterval: defaultPollInterval}
}

// Run polls forever. It never returns except via ctx cancellation, matching
// the rest of this system's "no cancellation except process exit" posture
// for the collector — here ctx gives the ingestion daemon a clean shutdown
// hook since it also serves HTTP.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.st.ResetStuckProcessing(ctx); err != nil {
		w.log.Error("failed to reset stuck submissions at startup", log.KVErr(err))
	} else if n > 0 {
		w.log.Info("reset submissions stuck in processing", log.KV("count", n))
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	sub, art, ok, err := w.st.ClaimNextReceived(ctx)
	if err != nil {
		w.log.Error("failed to claim next submission", log.KVErr(err))
		return
	}
	if !ok {
		return
	}
	w.log.Info("analyzing submission", log.KV("submission", sub.ID))

	if err := w.process(ctx, sub.ID, art.FSPath); err != nil {
		w.log.Error("analysis failed, marking submission failed", log.KV("submission", sub.ID), log.KVErr(err))
		if markErr := w.st.MarkFailed(ctx, sub.ID); markErr != nil {
			w.log.Error("failed to mark submission failed", log.KVErr(markErr))
		}
		return
	}
	w.log.Info("submission processed", log.KV("submission", sub.ID))
}

func (w *Worker) process(ctx context.Context, submissionID, fsPath string) error {
	f, err := os.Open(fsPath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("statting artifact: %w", err)
	}

	results, err := AnalyzeArchive(f, info.Size(), fsPath)
	if err != nil {
		return fmt.Errorf("analyzing archive: %w", err)
	}

	now := time.Now()
	findings := make([]store.Finding, len(results))
	for i, r := range results {
		findings[i] = store.Finding{
			ID:            uuid.NewString(),
			SubmissionRef: submissionID,
			Kind:          r.Kind,
			Key:           r.Key,
			Value:         r.Value,
			CreatedAt:     now,
		}
	}
	if err := w.st.CommitFindings(ctx, submissionID, findings); err != nil {
		return fmt.Errorf("committing findings: %w", err)
	}

	dest := filepath.Join(w.processedDir, filepath.Base(fsPath))
	if err := os.Rename(fsPath, dest); err != nil {
		w.log.Error("findings committed but archive move failed; recoverable on restart",
			log.KV("submission", submissionID), log.KVErr(err))
	}
	return nil
}
