// Package cohort computes assignment-wide aggregations over a set of
// submissions and their findings.
package cohort

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/invigil/invigil/internal/cards"
	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/events"
	"github.com/invigil/invigil/internal/store"
)

// ActivityBucket is one local-time minute's submission count.
type ActivityBucket struct {
	Minute time.Time `json:"minute"`
	Count  int       `json:"count"`
}

// ActivityHistogram buckets submissions by local-time minute of created_at.
func ActivityHistogram(subs []store.Submission) []ActivityBucket {
	buckets := make(map[time.Time]int)
	for _, s := range subs {
		buckets[s.CreatedAt.Local().Truncate(time.Minute)]++
	}
	out := make([]ActivityBucket, 0, len(buckets))
	for m, c := range buckets {
		out = append(out, ActivityBucket{Minute: m, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out
}

// StatusCounts tallies submissions by status.
func StatusCounts(subs []store.Submission) map[string]int {
	out := make(map[string]int)
	for _, s := range subs {
		out[s.Status]++
	}
	return out
}

// DurationStats is avg/max/min of duration_minutes across submissions,
// pretty-printed via cards.PrettyDuration.
type DurationStats struct {
	AvgPretty string
	MaxPretty string
	MinPretty string
}

// Duration computes DurationStats given each submission's finding set.
func Duration(findingsBySubmission [][]store.Finding) DurationStats {
	var values []int64
	for _, findings := range findingsBySubmission {
		for _, f := range findings {
			if f.Kind == "meta" && f.Key == "duration_minutes" {
				if n, err := strconv.ParseInt(f.Value, 10, 64); err == nil {
					values = append(values, n)
				}
			}
		}
	}
	if len(values) == 0 {
		return DurationStats{AvgPretty: "0 min", MaxPretty: "0 min", MinPretty: "0 min"}
	}
	var sum, max, min int64
	min = values[0]
	for _, v := range values {
		sum += v
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	avg := sum / int64(len(values))
	return DurationStats{
		AvgPretty: cards.PrettyDuration(avg),
		MaxPretty: cards.PrettyDuration(max),
		MinPretty: cards.PrettyDuration(min),
	}
}

// BrowserPresence counts submissions with had_browser=true vs total, and
// submissions with at least one ai_domain finding.
type BrowserPresence struct {
	WithBrowser int
	Total       int
	WithAIHit   int
}

func Browser(findingsBySubmission [][]store.Finding) BrowserPresence {
	var bp BrowserPresence
	bp.Total = len(findingsBySubmission)
	for _, findings := range findingsBySubmission {
		hadBrowser, hadAI := false, false
		for _, f := range findings {
			if f.Kind == "proc" && f.Key == "had_browser" && strings.EqualFold(f.Value, "true") {
				hadBrowser = true
			}
			if f.Kind == "net" && f.Key == "ai_domain" {
				hadAI = true
			}
		}
		if hadBrowser {
			bp.WithBrowser++
		}
		if hadAI {
			bp.WithAIHit++
		}
	}
	return bp
}

// DomainCount is one base domain's summed count across the cohort.
type DomainCount struct {
	Domain string
	Count  int
}

const topDomainsLimit = 20

// TopDomains sums top_domain counts across submissions, top 20.
func TopDomains(findingsBySubmission [][]store.Finding) []DomainCount {
	sums := make(map[string]int)
	for _, findings := range findingsBySubmission {
		for _, f := range findings {
			if f.Kind != "net" || f.Key != "top_domain" {
				continue
			}
			idx := strings.LastIndexByte(f.Value, ':')
			if idx < 0 {
				continue
			}
			n, err := strconv.Atoi(f.Value[idx+1:])
			if err != nil {
				continue
			}
			sums[f.Value[:idx]] += n
		}
	}
	out := make([]DomainCount, 0, len(sums))
	for d, c := range sums {
		out = append(out, DomainCount{Domain: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Domain < out[j].Domain
	})
	if len(out) > topDomainsLimit {
		out = out[:topDomainsLimit]
	}
	return out
}

// SharedLANRow is one private IPv4 shared by ≥2 students.
type SharedLANRow struct {
	IP       string
	Students []string
}

// SharedLAN streams each submission's archived net events and clusters
// students by shared private-IPv4 src_ip — deliberately re-streamed per
// request rather than pre-computed. openLog opens the archived snapshot
// log for one submission by student name.
func SharedLAN(students []string, openLog func(student string) (io.ReadCloser, error)) ([]SharedLANRow, error) {
	byIP := make(map[string]map[string]bool)
	for _, student := range students {
		r, err := openLog(student)
		if err != nil {
			continue // a missing/unreadable archive just contributes nothing
		}
		scanNetSrcIPs(r, func(ip string) {
			if !catalog.PrivateIPv4(ip) {
				return
			}
			set, ok := byIP[ip]
			if !ok {
				set = make(map[string]bool)
				byIP[ip] = set
			}
			set[student] = true
		})
		r.Close()
	}

	var out []SharedLANRow
	for ip, set := range byIP {
		if len(set) < 2 {
			continue
		}
		students := make([]string, 0, len(set))
		for s := range set {
			students = append(students, s)
		}
		sort.Strings(students)
		out = append(out, SharedLANRow{IP: ip, Students: students})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Students) != len(out[j].Students) {
			return len(out[i].Students) > len(out[j].Students)
		}
		return out[i].IP < out[j].IP
	})
	return out, nil
}

func scanNetSrcIPs(r io.Reader, fn func(ip string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Kind != events.KindNet {
			continue
		}
		var n events.Net
		if err := json.Unmarshal(line, &n); err != nil || n.SrcIP == "" {
			continue
		}
		fn(n.SrcIP)
	}
}

// OutlierRow is one flagged net-volume outlier submission.
type OutlierRow struct {
	SubmissionID string
	Value        int64
	RScore       float64
	Percentile   string
}

const outlierLimit = 8

// Outliers computes the robust z-score net-volume outlier set: median M,
// MAD of |x-M|, P95, threshold = max(M + 3*max(MAD,1), P95); submissions
// at or above threshold are flagged, sorted by value-M descending,
// truncated to 8.
func Outliers(values map[string]int64) []OutlierRow {
	if len(values) == 0 {
		return nil
	}
	sorted := make([]int64, 0, len(values))
	for _, v := range values {
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	median := percentileSorted(sorted, 50)
	deviations := make([]int64, len(sorted))
	for i, v := range sorted {
		d := v - int64(median)
		if d < 0 {
			d = -d
		}
		deviations[i] = d
	}
	sort.Slice(deviations, func(i, j int) bool { return deviations[i] < deviations[j] })
	mad := percentileSorted(deviations, 50)
	p95 := percentileSorted(sorted, 95)

	threshold := math.Max(median+3*math.Max(mad, 1), p95)

	var flagged []OutlierRow
	for id, v := range values {
		if float64(v) >= threshold {
			rscore := (float64(v) - median) / math.Max(mad, 1)
			flagged = append(flagged, OutlierRow{
				SubmissionID: id,
				Value:        v,
				RScore:       rscore,
				Percentile:   empiricalPercentileLabel(sorted, v),
			})
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		return (float64(flagged[i].Value) - median) > (float64(flagged[j].Value) - median)
	})
	if len(flagged) > outlierLimit {
		flagged = flagged[:outlierLimit]
	}
	return flagged
}

func percentileSorted(sorted []int64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}

func empiricalPercentileLabel(sorted []int64, v int64) string {
	count := 0
	for _, s := range sorted {
		if s <= v {
			count++
		}
	}
	pct := int(math.Round(float64(count) / float64(len(sorted)) * 100))
	return strconv.Itoa(pct) + "th percentile"
}
