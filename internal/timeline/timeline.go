// Package timeline re-opens a submission's archived log to build the
// per-submission network and process timelines the admin detail page
// renders.
package timeline

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/events"
)

const (
	mergeGap        = 5 * time.Second
	movingAvgWindow = 100
	maxProcRows     = 500
)

// NetPoint is one minute bucket of the network timeline.
type NetPoint struct {
	Minute      time.Time `json:"minute"`
	Total       int       `json:"total"`
	AI          int       `json:"ai"`
	MovingAvg   float64   `json:"moving_avg"`
}

// NetTimeline filters net events, bucketing by local-time minute into
// (total, ai) counters, plus a trailing moving average over total with
// window 100 points.
func NetTimeline(r io.Reader) ([]NetPoint, error) {
	buckets := make(map[time.Time]*NetPoint)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Kind != events.KindNet {
			continue
		}
		var n events.Net
		if err := json.Unmarshal(line, &n); err != nil {
			continue
		}
		minute := n.TS.Local().Truncate(time.Minute)
		p, ok := buckets[minute]
		if !ok {
			p = &NetPoint{Minute: minute}
			buckets[minute] = p
		}
		p.Total++
		if n.DNSQName != "" && catalog.IsAIProvider(catalog.BaseDomain(n.DNSQName)) {
			p.AI++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	points := make([]NetPoint, 0, len(buckets))
	for _, p := range buckets {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Minute.Before(points[j].Minute) })

	var sum float64
	window := make([]int, 0, movingAvgWindow)
	for i := range points {
		window = append(window, points[i].Total)
		sum += float64(points[i].Total)
		if len(window) > movingAvgWindow {
			sum -= float64(window[0])
			window = window[1:]
		}
		points[i].MovingAvg = sum / float64(len(window))
	}
	return points, nil
}

// ProcSegment is one merged interval in milliseconds, local-offset.
type ProcSegment struct {
	StartMS int64 `json:"start_ms"`
	EndMS   int64 `json:"end_ms"`
}

// ProcRow is one comm's merged-interval row, ranked by total runtime.
type ProcRow struct {
	Label    string        `json:"label"`
	Segments []ProcSegment `json:"segments"`
}

// ProcTimeline is the full payload for the proc_timeline.json endpoint.
type ProcTimeline struct {
	Labels []string  `json:"labels"`
	Rows   []ProcRow `json:"rows"`
	TMinMS int64     `json:"tmin_ms"`
	TMaxMS int64     `json:"tmax_ms"`
}

type interval struct {
	start time.Time
	end   time.Time
	open  bool
}

// ProcTimelineFrom builds per-comm interval sets from (start, stop) pairs,
// clipping dangling starts at the global max observed timestamp, merging
// intervals whose gap is ≤ 5s within the same comm, and keeping the top
// 500 rows by total runtime.
func ProcTimelineFrom(r io.Reader) (ProcTimeline, error) {
	byComm := make(map[string][]interval)
	var tmin, tmax time.Time
	var haveAny bool

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Kind != events.KindProc {
			continue
		}
		var p events.Proc
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}
		if !haveAny {
			tmin, tmax = p.TS, p.TS
			haveAny = true
		} else {
			if p.TS.Before(tmin) {
				tmin = p.TS
			}
			if p.TS.After(tmax) {
				tmax = p.TS
			}
		}
		switch p.Action {
		case events.ActionStart:
			byComm[p.Comm] = append(byComm[p.Comm], interval{start: p.TS, open: true})
		case events.ActionStop:
			ivs := byComm[p.Comm]
			for i := len(ivs) - 1; i >= 0; i-- {
				if ivs[i].open {
					ivs[i].end = p.TS
					ivs[i].open = false
					break
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return ProcTimeline{}, err
	}
	if !haveAny {
		return ProcTimeline{}, nil
	}

	type rowWithRuntime struct {
		row     ProcRow
		runtime time.Duration
	}
	var rows []rowWithRuntime
	for comm, ivs := range byComm {
		for i := range ivs {
			if ivs[i].open {
				ivs[i].end = tmax
			}
		}
		merged := mergeIntervals(ivs)
		var runtime time.Duration
		segs := make([]ProcSegment, len(merged))
		for i, iv := range merged {
			runtime += iv.end.Sub(iv.start)
			segs[i] = ProcSegment{StartMS: localMillis(iv.start), EndMS: localMillis(iv.end)}
		}
		rows = append(rows, rowWithRuntime{row: ProcRow{Label: comm, Segments: segs}, runtime: runtime})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].runtime > rows[j].runtime })
	if len(rows) > maxProcRows {
		rows = rows[:maxProcRows]
	}

	out := ProcTimeline{TMinMS: localMillis(tmin), TMaxMS: localMillis(tmax)}
	for _, r := range rows {
		out.Labels = append(out.Labels, r.row.Label)
		out.Rows = append(out.Rows, r.row)
	}
	return out, nil
}

func localMillis(t time.Time) int64 {
	_, offset := t.Local().Zone()
	return t.UnixMilli() + int64(offset)*1000
}

func mergeIntervals(ivs []interval) []interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := make([]interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	out := []interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.start.Sub(last.end) <= mergeGap {
			if iv.end.After(last.end) {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
