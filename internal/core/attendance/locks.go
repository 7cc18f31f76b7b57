package attendance

import (
	"hash/fnv"
	"sync"
)

// stripedLocks serialises operations per (student, class-instance) pair
// while letting unrelated pairs proceed concurrently, without allocating
// one mutex per pair.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(s.stripes)
	if idx < 0 {
		idx += len(s.stripes)
	}
	m := &s.stripes[idx]
	m.Lock()
	return m.Unlock
}
