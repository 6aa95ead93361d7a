package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSubmission(t *testing.T, st *Store, id string) {
	t.Helper()
	ctx := context.Background()
	sub := Submission{
		ID:                 id,
		SubmissionID:       "ext-" + id,
		StudentName:        "Student " + id,
		CreatedAt:          time.Now().UTC(),
		MoodleAssignmentID: "assignment-1",
		ClientVersion:      "0.1.0",
		Status:             StatusReceived,
	}
	art := Artifact{
		ID:            "artifact-" + id,
		SubmissionRef: id,
		FSPath:        "/tmp/" + id + ".zip",
		SHA256:        "deadbeef",
		SizeBytes:     1024,
	}
	if err := st.CreateSubmissionAndArtifact(ctx, sub, art); err != nil {
		t.Fatalf("CreateSubmissionAndArtifact: %v", err)
	}
}

func TestClaimNextReceivedAndCommitFindings(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedSubmission(t, st, "sub-1")

	sub, art, ok, err := st.ClaimNextReceived(ctx)
	if err != nil {
		t.Fatalf("ClaimNextReceived: %v", err)
	}
	if !ok {
		t.Fatal("expected an eligible submission to claim")
	}
	if sub.Status != StatusProcessing {
		t.Errorf("expected claimed submission to be marked processing, got %q", sub.Status)
	}
	if art.FSPath == "" {
		t.Error("expected artifact to be joined in")
	}

	if _, _, ok, err := st.ClaimNextReceived(ctx); err != nil || ok {
		t.Fatalf("expected no further eligible submission, got ok=%v err=%v", ok, err)
	}

	findings := []Finding{
		{ID: "f1", Kind: "meta", Key: "zip_name", Value: "x.zip", CreatedAt: time.Now()},
	}
	if err := st.CommitFindings(ctx, sub.ID, findings); err != nil {
		t.Fatalf("CommitFindings: %v", err)
	}

	got, err := st.SubmissionByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("SubmissionByID: %v", err)
	}
	if got.Status != StatusProcessed {
		t.Errorf("expected submission to be processed after CommitFindings, got %q", got.Status)
	}

	storedFindings, err := st.FindingsBySubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("FindingsBySubmission: %v", err)
	}
	if len(storedFindings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(storedFindings))
	}
}

func TestResetStuckProcessingRecoversFromCrash(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedSubmission(t, st, "sub-2")

	if _, _, ok, err := st.ClaimNextReceived(ctx); err != nil || !ok {
		t.Fatalf("ClaimNextReceived: ok=%v err=%v", ok, err)
	}

	n, err := st.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetStuckProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}

	sub, err := st.SubmissionByID(ctx, "sub-2")
	if err != nil {
		t.Fatalf("SubmissionByID: %v", err)
	}
	if sub.Status != StatusReceived {
		t.Errorf("expected submission reset back to received, got %q", sub.Status)
	}
}

func TestSubscribeUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.Subscribe(ctx, "prof1", "assignment-1", time.Now()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := st.Subscribe(ctx, "prof1", "assignment-1", time.Now()); err != nil {
		t.Fatalf("Subscribe (repeat): %v", err)
	}

	subs, err := st.SubscriptionsByProf(ctx, "prof1")
	if err != nil {
		t.Fatalf("SubscriptionsByProf: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected exactly one subscription row despite duplicate Subscribe, got %d", len(subs))
	}

	if err := st.Unsubscribe(ctx, "prof1", "assignment-1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subs, err = st.SubscriptionsByProf(ctx, "prof1")
	if err != nil {
		t.Fatalf("SubscriptionsByProf: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after Unsubscribe, got %d", len(subs))
	}
}

func TestMarkFailedDoesNotAdvanceToProcessed(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedSubmission(t, st, "sub-3")

	sub, _, ok, err := st.ClaimNextReceived(ctx)
	if err != nil || !ok {
		t.Fatalf("ClaimNextReceived: ok=%v err=%v", ok, err)
	}
	if err := st.MarkFailed(ctx, sub.ID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := st.SubmissionByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("SubmissionByID: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected status failed, got %q", got.Status)
	}
}
