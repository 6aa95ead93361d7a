package cards

import (
	"testing"
	"time"

	"github.com/invigil/invigil/internal/store"
)

func TestPrettyDuration(t *testing.T) {
	cases := []struct {
		minutes int64
		want    string
	}{
		{0, "0 min"},
		{45, "45 min"},
		{90, "1.5 hr"},
		{1440, "1.0 days"},
		{2880, "2.0 days"},
	}
	for _, c := range cases {
		if got := PrettyDuration(c.minutes); got != c.want {
			t.Errorf("PrettyDuration(%d) = %q, want %q", c.minutes, got, c.want)
		}
	}
}

func TestBuildAggregatesFindings(t *testing.T) {
	sub := store.Submission{
		SubmissionID: "sub-1",
		StudentName:  "Alice",
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:       store.StatusProcessed,
	}
	findings := []store.Finding{
		{Kind: "meta", Key: "duration_minutes", Value: "80"},
		{Kind: "proc", Key: "had_browser", Value: "true"},
		{Kind: "net", Key: "total_net_events", Value: "320"},
		{Kind: "net", Key: "top_domain", Value: "openai.com:12"},
		{Kind: "net", Key: "top_domain", Value: "github.com:8"},
	}

	card := Build(sub, findings)

	if card.DurationPretty != "1.3 hr" {
		t.Errorf("expected duration 1.3 hr (80 min), got %q", card.DurationPretty)
	}
	if !card.HadBrowser {
		t.Error("expected HadBrowser true")
	}
	if card.NumWebRequests != 320 {
		t.Errorf("expected 320 web requests, got %d", card.NumWebRequests)
	}
	if len(card.TopDomains) != 2 {
		t.Fatalf("expected 2 top domains, got %d", len(card.TopDomains))
	}
	if card.MaxSeverity != SeverityCritical {
		t.Errorf("expected critical severity from openai.com hit, got %v", card.MaxSeverity)
	}
}

func TestBuildFlagsAnomalyAsCritical(t *testing.T) {
	sub := store.Submission{SubmissionID: "sub-2", StudentName: "Bob"}
	findings := []store.Finding{
		{Kind: "anomaly", Key: "net_volume_outlier", Value: "true"},
	}
	card := Build(sub, findings)
	if card.MaxSeverity != SeverityCritical {
		t.Errorf("expected anomaly finding to bump severity to critical, got %v", card.MaxSeverity)
	}
}
