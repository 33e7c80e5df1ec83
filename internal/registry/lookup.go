package registry

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dbehnke/meterlink/internal/logging"
)

// DEFAULT_LOOKUP_SIZE bounds the identity cache. The catalog is small,
// the bound only matters if a sync misbehaves.
const DEFAULT_LOOKUP_SIZE = 64

// Lookup answers vendor/product identity queries from an LRU cache in
// front of the repository, so hotplug enumeration does not hit SQLite
// for every scan.
type Lookup struct {
	repo  *Repository
	cache *lru.Cache[uint32, DeviceType]
	log   *zap.Logger

	// Statistics
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLookup creates a lookup cache over the repository.
func NewLookup(repo *Repository, size int) (*Lookup, error) {
	if size <= 0 {
		size = DEFAULT_LOOKUP_SIZE
	}
	cache, err := lru.New[uint32, DeviceType](size)
	if err != nil {
		return nil, err
	}
	return &Lookup{
		repo:  repo,
		cache: cache,
		log:   logging.Logger("lookup"),
	}, nil
}

func lookupKey(vendorID, productID uint16) uint32 {
	return uint32(vendorID)<<16 | uint32(productID)
}

// TypeFor resolves a vendor and product id pair to its catalog entry.
func (l *Lookup) TypeFor(vendorID, productID uint16) (DeviceType, error) {
	key := lookupKey(vendorID, productID)
	if t, ok := l.cache.Get(key); ok {
		l.hits.Add(1)
		return t, nil
	}

	l.misses.Add(1)
	t, err := l.repo.TypeFor(vendorID, productID)
	if err != nil {
		return DeviceType{}, err
	}

	l.cache.Add(key, *t)
	l.log.Debug("cached device type",
		zap.String("type", t.String()))
	return *t, nil
}

// Invalidate drops every cached entry, forcing repository reads. The
// syncer calls this after a catalog update.
func (l *Lookup) Invalidate() {
	l.cache.Purge()
}

// GetStatistics returns cache statistics
func (l *Lookup) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"hits":   l.hits.Load(),
		"misses": l.misses.Load(),
		"cached": l.cache.Len(),
	}
}
