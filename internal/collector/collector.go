// Package collector wires capture-tool parsing, the passive DNS caches, and
// process attribution into an attributed JSONL event stream. Two long-lived
// reader goroutines (data, DNS) share the DNS caches; a third goroutine
// polls /proc. None of them are cancellable — shutdown is process exit.
package collector

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/invigil/invigil/internal/capture"
	"github.com/invigil/invigil/internal/dnscache"
	"github.com/invigil/invigil/internal/events"
	"github.com/invigil/invigil/internal/procattr"
	"github.com/invigil/invigil/internal/telemetry/log"
)

const (
	passiveCacheTTL = 5 * time.Minute
	trackerTTL      = 2 * time.Minute
	aliasTTL        = 5 * time.Minute
	gcInterval      = 30 * time.Second
)

// Config controls one collector run.
type Config struct {
	User         string
	UID          int
	LocalIPs     []net.IP
	SkipPrefixes procattr.SkipPrefixes
	PollInterval time.Duration // /proc snapshot cadence, default 500ms
	ResolveTO    time.Duration // reverse-DNS budget, default 75ms
	LRUCapacity  int           // default 256
}

// Collector owns the shared caches and emits attributed events to Out.
type Collector struct {
	cfg      Config
	log      *log.Logger
	out      *json.Encoder
	outMtx   sync.Mutex
	localSet map[string]bool

	passive  *dnscache.PassiveCache
	tracker  *dnscache.Tracker
	alias    *dnscache.AliasMap
	resolver *dnscache.ReverseResolver
}

func New(cfg Config, logger *log.Logger, out io.Writer) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ResolveTO <= 0 {
		cfg.ResolveTO = dnscache.DefaultResolveTimeout
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = dnscache.DefaultLRUCapacity
	}
	return &Collector{
		cfg:      cfg,
		log:      logger,
		out:      json.NewEncoder(out),
		localSet: capture.LocalIPSet(cfg.LocalIPs),
		passive:  dnscache.NewPassiveCache(passiveCacheTTL),
		tracker:  dnscache.NewTracker(trackerTTL),
		alias:    dnscache.NewAliasMap(aliasTTL),
		resolver: dnscache.NewReverseResolver(cfg.ResolveTO, cfg.LRUCapacity),
	}
}

func (c *Collector) emit(v interface{}) {
	c.outMtx.Lock()
	defer c.outMtx.Unlock()
	if err := c.out.Encode(v); err != nil {
		c.log.Warn("failed to write event", log.KVErr(err))
	}
}

// RunDataReader consumes the data-capture driver's parsed packets forever,
// attributing each outbound flow to (user, process, domain). It returns
// when r is exhausted: on capture tool exit, this worker logs and returns
// while the other reader continues.
func (c *Collector) RunDataReader(r io.Reader) {
	p := capture.NewParser(r)
	for {
		pkt, ok := p.Next()
		if !ok {
			c.log.Warn("data capture stream ended")
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *Collector) handlePacket(pkt capture.Packet) {
	if capture.IsLoopback(pkt.Src.IP) || capture.IsLoopback(pkt.Dst.IP) {
		return
	}
	if capture.Classify(c.localSet, pkt.Src.IP, pkt.Dst.IP) != capture.DirOut {
		return
	}

	sm, err := procattr.Refresh("/proc")
	if err != nil {
		c.log.Warn("failed to refresh socket map", log.KVErr(err))
		return
	}
	owner, ok := sm.Owner(pkt.Src.IP, pkt.Src.Port, pkt.Dst.IP, pkt.Dst.Port)
	if !ok || owner.UID == 0 {
		// Attribution miss, or root-owned: drop per current privacy policy —
		// no anonymous flows.
		return
	}

	now := time.Now()
	host := c.resolveHost(pkt.Dst.IP, now)
	c.emit(events.NewNet(now, pkt.Src.IP.String(), host))
}

// resolveHost resolves an event's hostname: passive cache, then one alias
// hop, then a bounded reverse lookup.
func (c *Collector) resolveHost(ip net.IP, now time.Time) string {
	if name, ok := c.passive.Get(ip.String(), now); ok {
		return c.alias.Resolve(name, now)
	}
	if name, ok := c.resolver.Resolve(ip.String()); ok {
		c.passive.Set(ip.String(), name, now)
		return c.alias.Resolve(name, now)
	}
	return ""
}

// RunDNSReader consumes the DNS-capture driver's raw text lines, keeping
// the passive cache, tracker, and alias map up to date.
func (c *Collector) RunDNSReader(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		c.handleDNSLine(sc.Text())
	}
	c.log.Warn("dns capture stream ended")
}

func (c *Collector) handleDNSLine(line string) {
	now := time.Now()
	if q, ok := capture.ParseQuery(line); ok {
		c.handleQuery(q, now)
		return
	}
	if a, ok := capture.ParseAnswer(line); ok {
		c.handleAnswer(a, now)
		return
	}
	// Unparseable block: skip silently.
}

func (c *Collector) handleQuery(q capture.Query, now time.Time) {
	if q.Type == capture.QTypePTR {
		if ip, ok := capture.ReverseQNameToIP(q.Name); ok {
			c.tracker.Put(q.ID, dnscache.ReverseIP(ip), now)
			return
		}
	}
	c.tracker.Put(q.ID, dnscache.ForwardHost(q.Name), now)
}

func (c *Collector) handleAnswer(a capture.Answer, now time.Time) {
	pending, ok := c.tracker.Take(a.ID, now)
	if !ok {
		return
	}
	switch pending.Kind {
	case dnscache.PendingForwardHost:
		finalName := pending.Name
		for _, t := range a.Tokens {
			if t.Type == "CNAME" {
				c.alias.Set(finalName, t.Value, now)
				finalName = t.Value
			}
		}
		for _, t := range a.Tokens {
			if t.Type == "A" || t.Type == "AAAA" {
				c.passive.Set(t.Value, finalName, now)
			}
		}
	case dnscache.PendingReverseIP:
		for _, t := range a.Tokens {
			if t.Type == "PTR" {
				c.passive.Set(pending.IP.String(), t.Value, now)
			}
		}
	}
}

// RunProcPoller snapshots /proc on cfg.PollInterval forever, emitting
// debounced proc start/stop events.
func (c *Collector) RunProcPoller() {
	snap := procattr.NewSnapshotter("/proc", c.cfg.UID, c.cfg.User, c.cfg.SkipPrefixes)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for now := range ticker.C {
		for _, ev := range snap.Poll(now) {
			c.emit(ev)
		}
	}
}

// RunGC drops expired cache/tracker/alias entries every 30s.
func (c *Collector) RunGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for now := range ticker.C {
		c.passive.GC(now)
		c.tracker.GC(now)
		c.alias.GC(now)
	}
}
