package dnscache

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"
)

const (
	DefaultResolveTimeout = 75 * time.Millisecond
	DefaultLRUCapacity    = 256
)

// lruEntry holds a memoized reverse-lookup result; ok=false records a
// memoized miss (timeout or NXDOMAIN).
type lruEntry struct {
	ip   string
	name string
	ok   bool
}

// ReverseResolver is a fixed-capacity LRU in front of the system resolver,
// used as the fallback when the passive cache has nothing for an IP. Every
// lookup that misses spawns a short-lived goroutine and is bounded by a
// timeout; the result (hit or miss) is memoized regardless.
type ReverseResolver struct {
	mtx      sync.Mutex
	cap      int
	ll       *list.List
	index    map[string]*list.Element
	timeout  time.Duration
	lookupFn func(ctx context.Context, ip string) (string, error)
}

func NewReverseResolver(timeout time.Duration, capacity int) *ReverseResolver {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	if capacity <= 0 {
		capacity = DefaultLRUCapacity
	}
	return &ReverseResolver{
		cap:      capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		timeout:  timeout,
		lookupFn: defaultLookup,
	}
}

func defaultLookup(ctx context.Context, ip string) (string, error) {
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[0], nil
}

// Resolve returns the memoized or freshly-resolved hostname for ip, within
// the configured timeout. ok is false on a miss (timeout or no PTR record).
func (r *ReverseResolver) Resolve(ip string) (name string, ok bool) {
	if e, hit := r.lookup(ip); hit {
		return e.name, e.ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	type result struct {
		name string
		ok   bool
	}
	done := make(chan result, 1)
	go func() {
		n, err := r.lookupFn(ctx, ip)
		done <- result{name: n, ok: err == nil && n != ""}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{ok: false}
	}
	r.memoize(ip, res.name, res.ok)
	return res.name, res.ok
}

func (r *ReverseResolver) lookup(ip string) (lruEntry, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	el, ok := r.index[ip]
	if !ok {
		return lruEntry{}, false
	}
	r.ll.MoveToFront(el)
	return el.Value.(lruEntry), true
}

func (r *ReverseResolver) memoize(ip, name string, ok bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if el, exists := r.index[ip]; exists {
		el.Value = lruEntry{ip: ip, name: name, ok: ok}
		r.ll.MoveToFront(el)
		return
	}
	el := r.ll.PushFront(lruEntry{ip: ip, name: name, ok: ok})
	r.index[ip] = el
	if r.ll.Len() > r.cap {
		oldest := r.ll.Back()
		if oldest != nil {
			r.ll.Remove(oldest)
			delete(r.index, oldest.Value.(lruEntry).ip)
		}
	}
}
