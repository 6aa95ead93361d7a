package analyzer

import (
	"strings"
	"testing"
)

func findValue(findings []Finding, kind, key string) (string, bool) {
	for _, f := range findings {
		if f.Kind == kind && f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func TestAnalyzeEmptyArchiveYieldsOnlyZipName(t *testing.T) {
	findings, err := Analyze(strings.NewReader(""), "submission.zip")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected exactly one finding for an empty log, got %d: %+v", len(findings), findings)
	}
	if findings[0].Kind != "meta" || findings[0].Key != "zip_name" || findings[0].Value != "submission.zip" {
		t.Errorf("unexpected sole finding: %+v", findings[0])
	}
}

func TestAnalyzeSkipsMalformedLines(t *testing.T) {
	log := strings.Join([]string{
		`{not valid json`,
		`{"kind":"net","ts":"2026-03-01T10:00:00-05:00","src_ip":"10.0.0.5","dns_qname":"openai.com."}`,
		``,
	}, "\n")
	findings, err := Analyze(strings.NewReader(log), "x.zip")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v, ok := findValue(findings, "net", "total_net_events"); !ok || v != "1" {
		t.Errorf("expected exactly one net event counted, got %q ok=%v", v, ok)
	}
}

func TestAnalyzeAIDomainAndBrowserRuntime(t *testing.T) {
	log := strings.Join([]string{
		`{"kind":"proc","ts":"2026-03-01T10:00:00-05:00","user":"alice","pid":100,"comm":"chrome","action":"start"}`,
		`{"kind":"net","ts":"2026-03-01T10:00:05-05:00","src_ip":"10.0.0.5","dns_qname":"chat.openai.com."}`,
		`{"kind":"net","ts":"2026-03-01T10:00:10-05:00","src_ip":"10.0.0.5","dns_qname":"www.github.com."}`,
		`{"kind":"proc","ts":"2026-03-01T10:05:00-05:00","user":"alice","pid":100,"comm":"chrome","action":"stop"}`,
	}, "\n")

	findings, err := Analyze(strings.NewReader(log), "x.zip")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if v, ok := findValue(findings, "proc", "had_browser"); !ok || v != "true" {
		t.Errorf("expected had_browser=true, got %q ok=%v", v, ok)
	}
	if v, ok := findValue(findings, "proc", "browser_runtime_seconds"); !ok || v != "300" {
		t.Errorf("expected 300s of browser runtime, got %q ok=%v", v, ok)
	}
	if v, ok := findValue(findings, "anomaly", "ai_hits_total"); !ok || v != "1" {
		t.Errorf("expected one AI hit, got %q ok=%v", v, ok)
	}
	if v, ok := findValue(findings, "anomaly", "ai_ratio_percent"); !ok || v != "50" {
		t.Errorf("expected ai_ratio_percent=50, got %q ok=%v", v, ok)
	}
	if v, ok := findValue(findings, "net", "total_net_events"); !ok || v != "2" {
		t.Errorf("expected 2 net events, got %q ok=%v", v, ok)
	}
}

func TestAnalyzeRemoteCollabAndSSHAnomalies(t *testing.T) {
	log := strings.Join([]string{
		`{"kind":"proc","ts":"2026-03-01T10:00:00-05:00","user":"alice","pid":1,"comm":"zoom","action":"start"}`,
		`{"kind":"proc","ts":"2026-03-01T10:00:01-05:00","user":"alice","pid":2,"comm":"ssh","action":"start"}`,
	}, "\n")

	findings, err := Analyze(strings.NewReader(log), "x.zip")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v, ok := findValue(findings, "anomaly", "remote_collab_tool_seen"); !ok || v != "true" {
		t.Errorf("expected remote_collab_tool_seen=true, got %q ok=%v", v, ok)
	}
	if v, ok := findValue(findings, "anomaly", "ssh_activity"); !ok || v != "true" {
		t.Errorf("expected ssh_activity=true, got %q ok=%v", v, ok)
	}
}

func TestAnalyzeDanglingProcIntervalClippedAtLastTS(t *testing.T) {
	log := strings.Join([]string{
		`{"kind":"proc","ts":"2026-03-01T10:00:00-05:00","user":"alice","pid":1,"comm":"chrome","action":"start"}`,
		`{"kind":"net","ts":"2026-03-01T10:01:00-05:00","src_ip":"10.0.0.5","dns_qname":"example.com."}`,
	}, "\n")

	findings, err := Analyze(strings.NewReader(log), "x.zip")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if v, ok := findValue(findings, "proc", "browser_runtime_seconds"); !ok || v != "60" {
		t.Errorf("expected dangling browser interval clipped to 60s, got %q ok=%v", v, ok)
	}
}
