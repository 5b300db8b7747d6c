package fields

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"classifieds-sync/pkg/classifieds"
	"classifieds-sync/storage"
)

// DefaultTTL is how long a cached category schema stays valid.
const DefaultTTL = 48 * time.Hour

// Store is the persistence the cache needs; *storage.Store satisfies it.
type Store interface {
	Load(ctx context.Context, key string, v any) (time.Time, error)
	Save(ctx context.Context, key string, v any) error
}

// API fetches a category schema.
type API interface {
	CategoryFields(ctx context.Context, token, categoryID string) ([]classifieds.FieldDescriptor, error)
}

// cached is the persisted (fields, values) pair; the timestamp lives in
// the storage envelope.
type cached struct {
	Fields []Descriptor `json:"fields"`
	Values Values       `json:"values"`
}

// Cache keeps category schemas and answers for a TTL.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCache creates a cache. A non-positive ttl means DefaultTTL.
func NewCache(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock overrides the time source used for TTL checks.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Key returns the cache key for a category.
func Key(categoryID string) string {
	return "category_fields:" + categoryID
}

// get returns the cached schema if present and younger than the TTL.
func (c *Cache) get(ctx context.Context, categoryID string) (cached, bool) {
	var entry cached
	ts, err := c.store.Load(ctx, Key(categoryID), &entry)
	if err != nil {
		if !storage.IsNotFound(err) {
			c.logger.Warn("Field cache unavailable, treating as miss", "category_id", categoryID, "error", err)
		}
		return cached{}, false
	}
	age := c.now().Sub(ts)
	if age >= c.ttl {
		c.logger.Debug("Field cache expired", "category_id", categoryID, "age", age.String())
		return cached{}, false
	}
	return entry, true
}

func (c *Cache) put(ctx context.Context, categoryID string, entry cached) error {
	if entry.Fields == nil {
		entry.Fields = []Descriptor{}
	}
	return c.store.Save(ctx, Key(categoryID), entry)
}

// Schema is what the fields step renders.
type Schema struct {
	CategoryID  string
	Descriptors []Descriptor
	Fields      []Field
	Values      Values
	FromCache   bool
}

// Loader resolves a category schema from the cache or the API.
type Loader struct {
	cache  *Cache
	api    API
	logger *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(cache *Cache, api API, logger *slog.Logger) *Loader {
	return &Loader{cache: cache, api: api, logger: logger}
}

// Load returns the schema for categoryID. On a cache hit answers are merged
// with draft values taking precedence over cached ones, and cached ones over
// declared defaults. On a miss the schema is fetched, initialized with
// defaults and draft values, and written back even when empty.
func (l *Loader) Load(ctx context.Context, token, categoryID string, draftValues Values) (*Schema, error) {
	if entry, ok := l.cache.get(ctx, categoryID); ok {
		fs := FromDescriptors(entry.Fields)
		l.logger.Debug("Field cache hit", "category_id", categoryID, "fields", len(fs))
		return &Schema{
			CategoryID:  categoryID,
			Descriptors: entry.Fields,
			Fields:      fs,
			Values:      Merge(fs, entry.Values, draftValues),
			FromCache:   true,
		}, nil
	}

	descs, err := l.api.CategoryFields(ctx, token, categoryID)
	if err != nil {
		return nil, fmt.Errorf("fetch category fields: %w", err)
	}
	fs := FromDescriptors(descs)
	values := Merge(fs, draftValues)

	if err := l.cache.put(ctx, categoryID, cached{Fields: descs, Values: Defaults(fs)}); err != nil {
		l.logger.Warn("Failed to cache category fields", "category_id", categoryID, "error", err)
	}
	l.logger.Info("Loaded category fields", "category_id", categoryID, "fields", len(fs))

	return &Schema{
		CategoryID:  categoryID,
		Descriptors: descs,
		Fields:      fs,
		Values:      values,
	}, nil
}

// SaveAnswers stores the user's answers next to the schema so a later visit
// within the TTL restores them. The timestamp is refreshed.
func (l *Loader) SaveAnswers(ctx context.Context, categoryID string, descs []Descriptor, values Values) error {
	if err := l.cache.put(ctx, categoryID, cached{Fields: descs, Values: values.Clone()}); err != nil {
		return fmt.Errorf("save answers for category %s: %w", categoryID, err)
	}
	return nil
}
