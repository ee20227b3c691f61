package engine

import (
	"sync"
	"time"
)

// routeTable tracks per-routing-key bookkeeping: how many tasks for a
// key are in flight, whether a key wants an urgent re-run, and any
// scheduled re-run time requested by a hook.
type routeTable struct {
	mu       sync.Mutex
	inFlight map[string]int
	urgent   map[string]bool
	nextRun  map[string]time.Time
}

func newRouteTable() *routeTable {
	return &routeTable{
		inFlight: make(map[string]int),
		urgent:   make(map[string]bool),
		nextRun:  make(map[string]time.Time),
	}
}

func (r *routeTable) acquire(key string) {
	r.mu.Lock()
	r.inFlight[key]++
	r.mu.Unlock()
}

func (r *routeTable) release(key string) {
	r.mu.Lock()
	if r.inFlight[key] > 0 {
		r.inFlight[key]--
	}
	r.mu.Unlock()
}

func (r *routeTable) markUrgent(key string) {
	r.mu.Lock()
	r.urgent[key] = true
	r.mu.Unlock()
}

func (r *routeTable) scheduleAfter(key string, at time.Time) {
	r.mu.Lock()
	r.nextRun[key] = at
	r.mu.Unlock()
}

func (r *routeTable) InFlight(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[key]
}

// TakeUrgent reports and clears a key's urgent-retry flag.
func (r *routeTable) TakeUrgent(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.urgent[key] {
		delete(r.urgent, key)
		return true
	}
	return false
}

func (r *routeTable) NextRun(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.nextRun[key]
	return at, ok
}
