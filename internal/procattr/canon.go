package procattr

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const maxAncestorDepth = 100

// genericChildNames are engine-internal worker process names that should
// never be reported as the canonical comm; the canonicalizer climbs past
// them to the nearest ancestor with a real name.
var genericChildNames = map[string]bool{
	"web content": true,
	"renderer":    true,
	"gpu":         true,
	"utility":     true,
	"zygote":      true,
	"sandbox":     true,
	"isolated":    true,
	"content":     true,
}

// SkipPrefixes lists argv/name prefixes the collector never reports
// (desktop/system services), configured by the deployment.
type SkipPrefixes []string

func (sp SkipPrefixes) Matches(name string) bool {
	for _, p := range sp {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// processInfo is the minimal ancestry data the canonicalizer needs for one pid.
type processInfo struct {
	pid     int
	ppid    int
	comm    string // kernel-reported short name
	exeBase string // basename of /proc/<pid>/exe, lowercased and stripped; "" if unreadable
	argv0   string // first path-like token of argv, lowercased and stripped
}

// readProcessInfo reads everything canonicalize needs for a single pid from
// /proc. Missing/unreadable fields are left zero and handled by the caller.
func readProcessInfo(procRoot string, pid int) (processInfo, bool) {
	info := processInfo{pid: pid}
	statPath := filepath.Join(procRoot, strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return info, false
	}
	// Fields: pid (comm) state ppid ...  -- comm is parenthesized and may
	// itself contain spaces/parens, so split on the last ')'.
	s := string(b)
	open := strings.IndexByte(s, '(')
	close := strings.LastIndexByte(s, ')')
	if open < 0 || close < 0 || close < open {
		return info, false
	}
	info.comm = s[open+1 : close]
	rest := strings.Fields(s[close+1:])
	if len(rest) < 2 {
		return info, false
	}
	if ppid, err := strconv.Atoi(rest[1]); err == nil {
		info.ppid = ppid
	}

	if link, err := os.Readlink(filepath.Join(procRoot, strconv.Itoa(pid), "exe")); err == nil {
		info.exeBase = normalizeArgv0(link)
	}
	if argvB, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "cmdline")); err == nil {
		parts := strings.SplitN(string(argvB), "\x00", 2)
		if len(parts) > 0 && parts[0] != "" {
			info.argv0 = normalizeArgv0(parts[0])
		}
	}
	return info, true
}

func normalizeArgv0(raw string) string {
	base := filepath.Base(raw)
	base = strings.ToLower(base)
	base = strings.TrimSuffix(base, ".bin")
	base = strings.TrimSuffix(base, ".exe")
	return base
}

// Canonicalize returns the canonical display name for pid, climbing
// ancestors past generic engine-worker names. lookup reads one process's
// info by pid (injected so the collector can snapshot /proc once per poll
// rather than re-reading it per ancestor hop).
func Canonicalize(pid int, lookup func(pid int) (processInfo, bool)) string {
	seen := map[int]bool{}
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if seen[pid] {
			break // cycle guard; /proc ppid chains shouldn't cycle, but be safe
		}
		seen[pid] = true

		info, ok := lookup(pid)
		if !ok {
			break
		}
		name := canonicalNameFor(info)
		if name != "" && !genericChildNames[strings.ToLower(name)] {
			return name
		}
		if info.ppid <= 1 || info.ppid == pid {
			break
		}
		pid = info.ppid
	}
	return ""
}

// canonicalNameFor picks exe-basename, then comm, then argv[0] as its
// fallback chain for a single process (before ancestor climbing).
func canonicalNameFor(info processInfo) string {
	if info.exeBase != "" {
		return info.exeBase
	}
	if info.comm != "" {
		return info.comm
	}
	return info.argv0
}
