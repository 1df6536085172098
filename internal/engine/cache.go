package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/internal/model"
)

// componentCache is a content-addressed, immutable-once-inserted cache of
// compiled component sources, keyed by the sha256 digest of their bytes.
// Once a digest is present its entry never changes, so readers never need
// to hold the lock across compilation -- the lock only protects map
// mutation (spec §4.3: "component cache, content-addressed, immutable").
type componentCache struct {
	mu      sync.RWMutex
	entries map[string]model.Component
}

func newComponentCache() *componentCache {
	return &componentCache{entries: make(map[string]model.Component)}
}

// digestOf computes the content-addressed key for a component's source bytes.
func digestOf(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// getOrInsert returns the cached component for comp.Source's digest, or
// validates and inserts comp if this is the first sighting of that digest.
// A component whose declared Digest doesn't match its Source is rejected.
func (c *componentCache) getOrInsert(comp model.Component) (model.Component, error) {
	digest := digestOf(comp.Source)
	if comp.Digest != "" && comp.Digest != digest {
		return model.Component{}, werrors.ComponentError("", "", "declared digest does not match source bytes").With("digest", comp.Digest)
	}
	comp.Digest = digest

	c.mu.RLock()
	if existing, ok := c.entries[digest]; ok {
		c.mu.RUnlock()
		return existing, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[digest]; ok {
		return existing, nil
	}
	c.entries[digest] = comp
	return comp, nil
}

// len reports the number of distinct components currently cached, for tests.
func (c *componentCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
