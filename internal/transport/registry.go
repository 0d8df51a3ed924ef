package transport

import (
	"sync"
	"sync/atomic"
)

// registry is the subscription map shared between the control thread
// (Subscribe/Unsubscribe) and the IO worker's hot-path dispatch. Writes
// are rare and always go through add/remove under writeMu, copying the
// whole map before atomically swapping it in; reads (topics,
// callbacksFor) take the current snapshot with no locking at all. This
// is the read-copy-update shape: the IO worker never blocks on a
// control-thread mutation, and a mutation never observes a half-built
// map.
type registry struct {
	writeMu sync.Mutex
	m       atomic.Pointer[map[string][]MessageCallback]
}

func newRegistry() *registry {
	r := &registry{}
	empty := map[string][]MessageCallback{}
	r.m.Store(&empty)
	return r
}

// add appends cb to topic's callback list, returning true if topic had
// no prior subscribers (the caller uses this to decide whether a live
// MQTT SUBSCRIBE is needed).
func (r *registry) add(topic string, cb MessageCallback) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.m.Load()
	next := make(map[string][]MessageCallback, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	_, existed := next[topic]
	next[topic] = append(append([]MessageCallback{}, next[topic]...), cb)
	r.m.Store(&next)
	return !existed
}

// remove deletes topic entirely, returning true if it existed.
func (r *registry) remove(topic string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.m.Load()
	if _, ok := old[topic]; !ok {
		return false
	}
	next := make(map[string][]MessageCallback, len(old))
	for k, v := range old {
		if k == topic {
			continue
		}
		next[k] = v
	}
	r.m.Store(&next)
	return true
}

// topics returns every currently subscribed topic. Lock-free.
func (r *registry) topics() []string {
	snapshot := *r.m.Load()
	out := make([]string, 0, len(snapshot))
	for k := range snapshot {
		out = append(out, k)
	}
	return out
}

// callbacksFor returns the callbacks registered for topic, or nil if
// none. Lock-free; called from the IO worker's hot path.
func (r *registry) callbacksFor(topic string) []MessageCallback {
	snapshot := *r.m.Load()
	return snapshot[topic]
}
