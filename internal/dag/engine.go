package dag

import (
	"time"

	"github.com/flowkeeper/kernel/internal/cache"
)

// Engine owns a block-result cache keyed by DefinitionHash, grounded on
// the teacher's ResultCache (dag_engine.go): a successful block's
// outputs are cached under its definition hash plus its resolved
// inputs, so an unchanged block asked to run again with the same
// inputs can short-circuit execution entirely.
type Engine struct {
	results *cache.Cache[string, map[string]interface{}]
}

// NewEngine builds an Engine with a result cache of the given size and
// TTL. size<=0 or ttl<=0 disables result caching.
func NewEngine(cacheSize int, cacheTTL time.Duration) *Engine {
	return &Engine{results: cache.New[string, map[string]interface{}](cacheSize, cacheTTL)}
}

// CacheKey combines a block's definition hash with its resolved input
// values, so the same block fed different inputs never collides.
func CacheKey(blockDef BlockDef, inputs map[string]interface{}) (string, error) {
	h := DefinitionHash(blockDef)
	inputHash, err := hashValue(inputs)
	if err != nil {
		return "", err
	}
	return h + ":" + inputHash, nil
}

// LookupResult returns a previously cached output set for key, if any.
func (e *Engine) LookupResult(key string) (map[string]interface{}, bool) {
	return e.results.Get(key)
}

// StoreResult records outputs under key for future reuse.
func (e *Engine) StoreResult(key string, outputs map[string]interface{}) {
	e.results.Put(key, outputs)
}
