package analyzer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/citadel-fw/citadel/internal/datastore"
)

// loadJSON reads key and decodes it into T. DataStore.Get returns `any`
// rather than a concrete type because RedisStore round-trips every value
// through JSON (so it always comes back as the JSON-generic shape:
// map[string]interface{}, []interface{}, float64, etc.), while MemoryStore
// hands back whatever Go value was originally stored. Re-marshaling
// whatever Get returned and unmarshaling it into T normalizes both cases
// through the same path instead of needing a per-backend special case.
func loadJSON[T any](ctx context.Context, store datastore.DataStore, key string) (T, bool) {
	var zero T
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return zero, false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(buf, &out); err != nil {
		return zero, false
	}
	return out, true
}

func saveJSON[T any](ctx context.Context, store datastore.DataStore, key string, value T, ttl time.Duration) error {
	return store.Set(ctx, key, value, ttl)
}
