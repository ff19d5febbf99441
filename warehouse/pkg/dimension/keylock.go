package dimension

import (
	"hash/fnv"
	"sync"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

const DefaultKeyLockStripes = 256

// KeyLock is a striped lock keyed by (entity type, natural key). The merge engine takes the write
// side around each expire/insert, the fact builder the read side around each temporal lookup, so
// a resolution never races a merge of the same key while unrelated keys proceed in parallel.
// Callers hold at most one stripe at a time.
type KeyLock struct {
	stripes []sync.RWMutex
}

func NewKeyLock(stripes int) *KeyLock {
	if stripes <= 0 {
		stripes = DefaultKeyLockStripes
	}
	return &KeyLock{stripes: make([]sync.RWMutex, stripes)}
}

func (l *KeyLock) stripe(t entity.Type, naturalKey string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(naturalKey))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

func (l *KeyLock) Lock(t entity.Type, naturalKey string) (unlock func()) {
	mu := l.stripe(t, naturalKey)
	mu.Lock()
	return mu.Unlock
}

func (l *KeyLock) RLock(t entity.Type, naturalKey string) (unlock func()) {
	mu := l.stripe(t, naturalKey)
	mu.RLock()
	return mu.RUnlock
}
