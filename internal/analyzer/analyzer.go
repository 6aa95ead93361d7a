// Package analyzer streams a submission's JSONL event log out of its
// archive and derives the closed finding catalog. It never touches the
// store directly — Analyze returns the rows, the caller commits them.
package analyzer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/invigil/invigil/internal/archive"
	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/events"
)

// Finding is a (kind, key, value) triple, store-agnostic.
type Finding struct {
	Kind  string
	Key   string
	Value string
}

const (
	finalWindow    = 5 * time.Minute
	topDomainLimit = 10
	topSrcIPLimit  = 5
	topProcLimit   = 10
	mergeGap       = 5 * time.Second
)

type procInterval struct {
	start time.Time
	end   time.Time
	open  bool
}

// state accumulates everything the single pass over the log needs.
type state struct {
	zipName string

	firstTS, lastTS time.Time
	haveAny         bool
	lastEventTS     time.Time
	maxIdle         time.Duration

	totalProcStarts int
	totalProcStops  int
	procCounts      map[string]int
	procIntervals   map[string][]procInterval

	shellInvocations   int
	downloadToolCount  int
	remoteCollabSeen   bool
	sshActivitySeen    bool

	totalNetEvents int
	domainCounts   map[string]int
	srcIPCounts    map[string]int
	aiDomainCounts map[string]int
	qnaHits        int
	codeHostHits   int
	searchHits     int
	pkgHits        int
	cloudHits      int
	aiHitsTotal    int
	totalDNSHits   int

	minuteBuckets map[time.Time]int // UTC-minute -> event count, for burst_max
	netTimestamps []time.Time        // every net event's ts, for the exact final5 window

	loopbackCount    int
	taggedSrcIPCount int
}

func newState(zipName string) *state {
	return &state{
		zipName:        zipName,
		procCounts:     make(map[string]int),
		procIntervals:  make(map[string][]procInterval),
		domainCounts:   make(map[string]int),
		srcIPCounts:    make(map[string]int),
		aiDomainCounts: make(map[string]int),
		minuteBuckets:  make(map[time.Time]int),
	}
}

// Analyze streams r (one submission's snapshot/<log> member, opened by the
// caller from its archive.Reader) and returns the full finding catalog.
// Malformed lines are skipped, never abort the pass.
func Analyze(r io.Reader, zipName string) ([]Finding, error) {
	st := newState(zipName)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue // malformed JSONL line: skip
		}
		switch env.Kind {
		case events.KindNet:
			var n events.Net
			if err := json.Unmarshal(line, &n); err != nil {
				continue
			}
			st.observeNet(n)
		case events.KindProc:
			var p events.Proc
			if err := json.Unmarshal(line, &p); err != nil {
				continue
			}
			st.observeProc(p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("analyzer: scanning log: %w", err)
	}

	st.closeDanglingIntervals()
	return st.findings(), nil
}

func (st *state) touchTimestamps(ts time.Time) {
	if !st.haveAny {
		st.firstTS, st.lastTS = ts, ts
		st.haveAny = true
	} else {
		if ts.Before(st.firstTS) {
			st.firstTS = ts
		}
		if ts.After(st.lastTS) {
			st.lastTS = ts
		}
		if gap := ts.Sub(st.lastEventTS); st.lastEventTS.After(time.Time{}) && gap > st.maxIdle {
			st.maxIdle = gap
		}
	}
	st.lastEventTS = ts
}

func (st *state) observeNet(n events.Net) {
	st.touchTimestamps(n.TS)
	st.totalNetEvents++
	st.totalDNSHits++

	minute := n.TS.UTC().Truncate(time.Minute)
	st.minuteBuckets[minute]++
	st.netTimestamps = append(st.netTimestamps, n.TS)

	if n.DNSQName != "" {
		st.domainCounts[n.DNSQName]++
		base := catalog.BaseDomain(n.DNSQName)
		if catalog.IsAIProvider(base) {
			st.aiDomainCounts[base]++
			st.aiHitsTotal++
		}
		if catalog.IsQnA(base) {
			st.qnaHits++
		}
		if catalog.IsCodeHost(base) {
			st.codeHostHits++
		}
		if catalog.IsSearchEngine(base) {
			st.searchHits++
		}
		if catalog.IsPackageRegistry(base) {
			st.pkgHits++
		}
		if catalog.IsCloudFileShare(base) {
			st.cloudHits++
		}
	}

	if n.SrcIP != "" {
		st.taggedSrcIPCount++
		if n.SrcIP == "127.0.0.1" {
			st.loopbackCount++
		}
		st.srcIPCounts[n.SrcIP]++
	}
}

func (st *state) observeProc(p events.Proc) {
	st.touchTimestamps(p.TS)
	switch p.Action {
	case events.ActionStart:
		st.totalProcStarts++
		st.procCounts[p.Comm]++
		st.procIntervals[p.Comm] = append(st.procIntervals[p.Comm], procInterval{start: p.TS, open: true})
		if catalog.IsShell(p.Comm) {
			st.shellInvocations++
		}
		if catalog.IsDownloadTool(p.Comm) {
			st.downloadToolCount++
		}
		if catalog.IsRemoteCollab(p.Comm) {
			st.remoteCollabSeen = true
		}
		if catalog.IsSSHLike(p.Comm) {
			st.sshActivitySeen = true
		}
	case events.ActionStop:
		st.totalProcStops++
		ivs := st.procIntervals[p.Comm]
		for i := len(ivs) - 1; i >= 0; i-- {
			if ivs[i].open {
				ivs[i].end = p.TS
				ivs[i].open = false
				break
			}
		}
	}
}

// closeDanglingIntervals clips unclosed starts at last_ts.
func (st *state) closeDanglingIntervals() {
	for comm, ivs := range st.procIntervals {
		for i := range ivs {
			if ivs[i].open {
				ivs[i].end = st.lastTS
				ivs[i].open = false
			}
		}
		st.procIntervals[comm] = ivs
	}
}

func (st *state) durationMinutes() int64 {
	if !st.haveAny {
		return 0
	}
	return int64(st.lastTS.Sub(st.firstTS) / time.Minute)
}

func (st *state) browserRuntimeSeconds() (int64, bool) {
	var total time.Duration
	var any bool
	for comm, ivs := range st.procIntervals {
		if !catalog.IsBrowser(comm) {
			continue
		}
		merged := mergeIntervals(ivs)
		for _, iv := range merged {
			total += iv.end.Sub(iv.start)
			any = true
		}
	}
	if !any {
		return 0, false
	}
	return int64(total.Seconds()), true
}

// mergeIntervals merges same-comm intervals whose gap is ≤ mergeGap, the
// same rule the process timeline uses, reused here for browser runtime.
func mergeIntervals(ivs []procInterval) []procInterval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := make([]procInterval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	out := []procInterval{sorted[0]}
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

func topN(counts map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	kvs := make([]kv, 0, len(counts))
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].v != kvs[j].v {
			return kvs[i].v > kvs[j].v
		}
		return kvs[i].k < kvs[j].k
	})
	if len(kvs) > n {
		kvs = kvs[:n]
	}
	out := make([]string, len(kvs))
	for i, e := range kvs {
		out[i] = fmt.Sprintf("%s:%d", e.k, e.v)
	}
	return out
}

func (st *state) seatIP() (string, bool) {
	best, bestCount := "", 0
	for ip, c := range st.srcIPCounts {
		if !catalog.PrivateIPv4(ip) {
			continue
		}
		if c > bestCount {
			best, bestCount = ip, c
		}
	}
	return best, best != ""
}

func (st *state) burstMaxEventsPerMin() int {
	max := 0
	for _, c := range st.minuteBuckets {
		if c > max {
			max = c
		}
	}
	return max
}

// final5NetEvents counts net events with ts in [last_ts-5m, last_ts],
// exact to the event timestamp rather than minute-bucketed.
func (st *state) final5NetEvents() int {
	if !st.haveAny {
		return 0
	}
	cutoff := st.lastTS.Add(-finalWindow)
	count := 0
	for _, ts := range st.netTimestamps {
		if !ts.Before(cutoff) && !ts.After(st.lastTS) {
			count++
		}
	}
	return count
}

func (st *state) findings() []Finding {
	var out []Finding
	add := func(kind, key, value string) { out = append(out, Finding{Kind: kind, Key: key, Value: value}) }

	add("meta", "zip_name", st.zipName)
	if !st.haveAny {
		return out // empty archive -> meta-only findings
	}

	add("meta", "first_ts", st.firstTS.Format(time.RFC3339))
	add("meta", "last_ts", st.lastTS.Format(time.RFC3339))
	add("meta", "duration_minutes", fmt.Sprintf("%d", st.durationMinutes()))
	add("meta", "max_idle_seconds", fmt.Sprintf("%d", int64(st.maxIdle.Seconds())))
	if ip, ok := st.seatIP(); ok {
		add("meta", "seat_ip", ip)
		add("meta", "device_key", ip)
	}

	add("proc", "total_proc_starts", fmt.Sprintf("%d", st.totalProcStarts))
	add("proc", "total_proc_stops", fmt.Sprintf("%d", st.totalProcStops))
	for _, tp := range topN(st.procCounts, topProcLimit) {
		add("proc", "top_proc", tp)
	}
	hadBrowser := false
	if secs, ok := st.browserRuntimeSeconds(); ok {
		add("proc", "browser_runtime_seconds", fmt.Sprintf("%d", secs))
		hadBrowser = true
	}
	add("proc", "had_browser", fmt.Sprintf("%t", hadBrowser))
	if st.shellInvocations > 0 {
		add("proc", "shell_invocations", fmt.Sprintf("%d", st.shellInvocations))
	}
	if st.downloadToolCount > 0 {
		add("proc", "external_download_tool_count", fmt.Sprintf("%d", st.downloadToolCount))
	}

	add("net", "total_net_events", fmt.Sprintf("%d", st.totalNetEvents))
	add("net", "unique_domains", fmt.Sprintf("%d", len(st.domainCounts)))
	for _, td := range topN(st.domainCounts, topDomainLimit) {
		add("net", "top_domain", td)
	}
	for _, ts := range topN(st.srcIPCounts, topSrcIPLimit) {
		add("net", "top_src_ip", ts)
	}
	for _, ad := range topN(st.aiDomainCounts, topDomainLimit) {
		add("net", "ai_domain", ad)
	}
	dur := st.durationMinutes()
	if dur > 0 {
		add("net", "requests_per_min", fmt.Sprintf("%d", int64(st.totalNetEvents)/dur))
	}
	add("net", "burst_max_events_per_min", fmt.Sprintf("%d", st.burstMaxEventsPerMin()))
	add("net", "final5_net_events", fmt.Sprintf("%d", st.final5NetEvents()))
	if st.qnaHits > 0 {
		add("net", "qna_hits", fmt.Sprintf("%d", st.qnaHits))
	}
	if st.codeHostHits > 0 {
		add("net", "code_host_hits", fmt.Sprintf("%d", st.codeHostHits))
	}
	if st.searchHits > 0 {
		add("net", "search_hits", fmt.Sprintf("%d", st.searchHits))
	}
	if st.pkgHits > 0 {
		add("net", "pkg_hits", fmt.Sprintf("%d", st.pkgHits))
	}
	if st.cloudHits > 0 {
		add("net", "cloud_hits", fmt.Sprintf("%d", st.cloudHits))
	}

	if st.remoteCollabSeen {
		add("anomaly", "remote_collab_tool_seen", "true")
	}
	if st.sshActivitySeen {
		add("anomaly", "ssh_activity", "true")
	}
	if st.aiHitsTotal > 0 {
		add("anomaly", "ai_hits_total", fmt.Sprintf("%d", st.aiHitsTotal))
		if st.totalDNSHits > 0 {
			pct := int64(math.Round(float64(st.aiHitsTotal) / float64(st.totalDNSHits) * 100))
			add("anomaly", "ai_ratio_percent", fmt.Sprintf("%d", pct))
		}
	}
	if st.taggedSrcIPCount > 0 {
		share := float64(st.loopbackCount) / float64(st.taggedSrcIPCount)
		if share > 0.8 {
			add("anomaly", "loopback_dominated", fmt.Sprintf("%d/%d", st.loopbackCount, st.taggedSrcIPCount))
		}
	}

	return out
}

// AnalyzeArchive is the convenience entrypoint the worker loop uses: it
// opens ra as a ZIP, reads the snapshot member, and analyzes it. zipPath is
// used only for the zip_name meta finding.
func AnalyzeArchive(ra io.ReaderAt, size int64, zipPath string) ([]Finding, error) {
	reader, err := archive.Open(ra, size)
	if err != nil {
		return nil, err
	}
	snap, err := reader.OpenSnapshot()
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	defer snap.Close()
	return Analyze(snap, archive.ZipName(zipPath))
}
