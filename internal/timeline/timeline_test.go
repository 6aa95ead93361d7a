package timeline

import (
	"strings"
	"testing"
)

func TestNetTimelineBucketsAndFlagsAI(t *testing.T) {
	log := strings.Join([]string{
		`{"kind":"net","ts":"2026-03-01T10:00:01-05:00","src_ip":"10.0.0.5","dns_qname":"openai.com."}`,
		`{"kind":"net","ts":"2026-03-01T10:00:30-05:00","src_ip":"10.0.0.5","dns_qname":"github.com."}`,
		`{"kind":"net","ts":"2026-03-01T10:01:05-05:00","src_ip":"10.0.0.5","dns_qname":"example.com."}`,
	}, "\n")

	points, err := NetTimeline(strings.NewReader(log))
	if err != nil {
		t.Fatalf("NetTimeline: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 minute buckets, got %d", len(points))
	}
	if points[0].Total != 2 || points[0].AI != 1 {
		t.Errorf("unexpected first bucket: %+v", points[0])
	}
	if points[1].Total != 1 {
		t.Errorf("unexpected second bucket: %+v", points[1])
	}
}

func TestProcTimelineMergesCloseIntervals(t *testing.T) {
	log := strings.Join([]string{
		`{"kind":"proc","ts":"2026-03-01T10:00:00-05:00","user":"alice","pid":1,"comm":"chrome","action":"start"}`,
		`{"kind":"proc","ts":"2026-03-01T10:00:10-05:00","user":"alice","pid":1,"comm":"chrome","action":"stop"}`,
		`{"kind":"proc","ts":"2026-03-01T10:00:12-05:00","user":"alice","pid":1,"comm":"chrome","action":"start"}`,
		`{"kind":"proc","ts":"2026-03-01T10:00:20-05:00","user":"alice","pid":1,"comm":"chrome","action":"stop"}`,
	}, "\n")

	tl, err := ProcTimelineFrom(strings.NewReader(log))
	if err != nil {
		t.Fatalf("ProcTimelineFrom: %v", err)
	}
	if len(tl.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(tl.Rows))
	}
	if len(tl.Rows[0].Segments) != 1 {
		t.Fatalf("expected the 2s gap to merge into a single segment, got %d segments", len(tl.Rows[0].Segments))
	}
}

func TestProcTimelineEmptyLog(t *testing.T) {
	tl, err := ProcTimelineFrom(strings.NewReader(""))
	if err != nil {
		t.Fatalf("ProcTimelineFrom: %v", err)
	}
	if len(tl.Rows) != 0 {
		t.Errorf("expected no rows for an empty log, got %d", len(tl.Rows))
	}
}
