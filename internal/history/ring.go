package history

import (
	"sync"

	"github.com/firesentinel/firesentinel/internal/model"
)

// Ring is the bounded in-memory fallback for the history store. It keeps
// the most recent alarms, evicting oldest-first, and is never back-filled
// into the store: it exists so an incident stays inspectable while the
// backing store is down, not as a write-ahead log.
type Ring struct {
	mu    sync.Mutex
	buf   []*model.AlarmEvent
	start int
	count int
	ids   map[string]struct{}
}

// NewRing creates a ring holding up to size alarms.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1000
	}
	return &Ring{
		buf: make([]*model.AlarmEvent, size),
		ids: make(map[string]struct{}, size),
	}
}

// Retain adds an alarm, evicting the oldest when full. Re-retaining an
// alarm already in the ring is a no-op, so the store's own fallback write
// and the distributor's all-sinks-failed path cannot double it.
func (r *Ring) Retain(alarm *model.AlarmEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[alarm.ID]; ok {
		return
	}
	if r.count == len(r.buf) {
		oldest := r.buf[r.start]
		delete(r.ids, oldest.ID)
		r.buf[r.start] = alarm
		r.start = (r.start + 1) % len(r.buf)
	} else {
		r.buf[(r.start+r.count)%len(r.buf)] = alarm
		r.count++
	}
	r.ids[alarm.ID] = struct{}{}
}

// Recent returns up to n alarms, newest first.
func (r *Ring) Recent(n int) []*model.AlarmEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]*model.AlarmEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.count - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of retained alarms.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
