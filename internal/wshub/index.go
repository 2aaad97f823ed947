package wshub

import (
	"sync"
	"sync/atomic"
)

// subscriptionIndex maps topics to immutable subscriber snapshots. Writers
// copy-on-write under the mutex; the broadcast hot path loads a snapshot
// atomically and never takes the lock per message.
type subscriptionIndex struct {
	mu     sync.RWMutex
	topics map[string]*atomic.Value // topic -> []*client snapshot
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{topics: make(map[string]*atomic.Value)}
}

func (idx *subscriptionIndex) add(topic string, c *client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.topics[topic]
	if val == nil {
		val = &atomic.Value{}
		idx.topics[topic] = val
	}
	current := loadSnapshot(val)
	for _, existing := range current {
		if existing == c {
			return
		}
	}
	next := make([]*client, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	val.Store(next)
}

func (idx *subscriptionIndex) remove(topic string, c *client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(topic, c)
}

func (idx *subscriptionIndex) removeClient(c *client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for topic := range idx.topics {
		idx.removeLocked(topic, c)
	}
}

func (idx *subscriptionIndex) removeLocked(topic string, c *client) {
	val := idx.topics[topic]
	if val == nil {
		return
	}
	current := loadSnapshot(val)
	for i, existing := range current {
		if existing != c {
			continue
		}
		next := make([]*client, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.topics, topic)
		} else {
			val.Store(next)
		}
		return
	}
}

// get returns the immutable subscriber snapshot for a topic. Callers must
// not mutate it.
func (idx *subscriptionIndex) get(topic string) []*client {
	idx.mu.RLock()
	val := idx.topics[topic]
	idx.mu.RUnlock()
	if val == nil {
		return nil
	}
	return loadSnapshot(val)
}

func loadSnapshot(val *atomic.Value) []*client {
	if v := val.Load(); v != nil {
		return v.([]*client)
	}
	return nil
}
