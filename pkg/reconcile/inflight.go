package reconcile

import (
	"sort"
	"sync"
	"time"
)

// Inflight tracks which (server, pack) keys have a run in progress.
type Inflight struct {
	mu      sync.Mutex
	running map[string]time.Time
}

// NewInflight creates an empty registry.
func NewInflight() *Inflight {
	return &Inflight{running: make(map[string]time.Time)}
}

func inflightKey(serverID, packName string) string {
	return serverID + "/" + packName
}

// Acquire claims the key. It returns false when the key is already claimed.
func (f *Inflight) Acquire(serverID, packName string) bool {
	key := inflightKey(serverID, packName)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.running[key]; busy {
		return false
	}
	f.running[key] = time.Now()
	return true
}

// Release frees the key.
func (f *Inflight) Release(serverID, packName string) {
	f.mu.Lock()
	delete(f.running, inflightKey(serverID, packName))
	f.mu.Unlock()
}

// Keys returns the claimed keys in sorted order.
func (f *Inflight) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.running))
	for k := range f.running {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
