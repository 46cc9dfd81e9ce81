package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

// CacheFile is the catalog cache name under the output root.
const CacheFile = "courses.json"

// ErrNullCatalog reports a cache file holding JSON null instead of a list.
var ErrNullCatalog = errors.New("catalog cache is null")

// Cache persists a discovered catalog so later runs skip discovery.
type Cache struct {
	store *local.Store
}

// NewCache returns a cache kept in store.
func NewCache(store *local.Store) *Cache {
	return &Cache{store: store}
}

// Load returns the cached catalog. ok is false when no cache exists.
func (c *Cache) Load() (items []string, ok bool, err error) {
	data, err := c.store.Get(CacheFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", CacheFile, err)
	}
	if items == nil {
		// A literal null is not a catalog, even an empty one.
		return nil, false, fmt.Errorf("decode %s: %w", CacheFile, ErrNullCatalog)
	}
	return items, true, nil
}

// Save writes items as the cached catalog.
func (c *Cache) Save(ctx context.Context, items []string) error {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return c.store.Put(ctx, CacheFile, data)
}
