// Package bucketing spreads accounts and audit events over a fixed number
// of partitions with murmur3.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(userBuckets, eventBuckets int) *Manager {
	bm := &Manager{
		userBuckets:  userBuckets,
		eventBuckets: eventBuckets,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// UserBucket is the partition of an account id, in [0, userBuckets).
func (bm *Manager) UserBucket(id uuid.UUID) int {
	return bm.bucket(id.String(), bm.userBuckets)
}

// EventBucket is the partition of an audit subject, in [0, eventBuckets).
func (bm *Manager) EventBucket(subject string) int {
	return bm.bucket(subject, bm.eventBuckets)
}

// DateBucket is the UTC day of t.
func (bm *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *Manager) UserBuckets() int {
	return bm.userBuckets
}

func (bm *Manager) bucket(key string, n int) int {
	if n <= 1 {
		return 0
	}
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(n))
}
