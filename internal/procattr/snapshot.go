package procattr

import (
	"os"
	"strconv"
	"time"

	"github.com/invigil/invigil/internal/events"
)

// Snapshotter polls /proc for the monitored user's processes and turns
// consecutive snapshots into start/stop proc events: a pid newly seen
// only emits start on its second consecutive sighting (one-tick
// debounce), a pid absent from the current
// snapshot emits stop.
type Snapshotter struct {
	procRoot string
	uid      int
	user     string
	skip     SkipPrefixes

	// sightings counts how many consecutive polls have observed a pid
	// that hasn't yet crossed the debounce threshold and emitted start.
	sightings map[int]int
	started   map[int]string // pid -> canonical comm, for pids we've emitted start for
}

func NewSnapshotter(procRoot string, uid int, user string, skip SkipPrefixes) *Snapshotter {
	return &Snapshotter{
		procRoot:  procRoot,
		uid:       uid,
		user:      user,
		skip:      skip,
		sightings: make(map[int]int),
		started:   make(map[int]string),
	}
}

// Poll snapshots /proc once and returns the proc events this tick produced.
func (s *Snapshotter) Poll(now time.Time) []events.Proc {
	current := s.listUserPIDs()
	infoCache := make(map[int]processInfo, len(current))
	lookup := func(pid int) (processInfo, bool) {
		if info, ok := infoCache[pid]; ok {
			return info, true
		}
		info, ok := readProcessInfo(s.procRoot, pid)
		if ok {
			infoCache[pid] = info
		}
		return info, ok
	}

	var out []events.Proc

	currentSet := make(map[int]bool, len(current))
	for _, pid := range current {
		currentSet[pid] = true
		if _, already := s.started[pid]; already {
			continue // already emitted start, nothing to do until it stops
		}
		name := Canonicalize(pid, lookup)
		if name == "" || s.skip.Matches(name) {
			continue
		}
		s.sightings[pid]++
		if s.sightings[pid] >= 2 {
			s.started[pid] = name
			out = append(out, events.NewProc(now, s.user, pid, name, events.ActionStart))
		}
	}

	// Anything no longer present: drop debounce state; emit stop for
	// anything we'd previously started.
	for pid := range s.sightings {
		if !currentSet[pid] {
			delete(s.sightings, pid)
		}
	}
	for pid, name := range s.started {
		if !currentSet[pid] {
			delete(s.started, pid)
			out = append(out, events.NewProc(now, s.user, pid, name, events.ActionStop))
		}
	}

	return out
}

func (s *Snapshotter) listUserPIDs() []int {
	ents, err := os.ReadDir(s.procRoot)
	if err != nil {
		return nil
	}
	var pids []int
	for _, ent := range ents {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		uid, err := readUID(pid)
		if err != nil || uid != s.uid {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
