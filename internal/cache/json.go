package cache

import (
	"context"
	"encoding/json"
)

// SetJSON stores v encoded as JSON
func SetJSON[T any](ctx context.Context, s *Store, key string, v T, opts SetOptions) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("Value is not JSON encodable", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return false
	}
	return s.Set(ctx, key, data, opts)
}

// GetJSON loads and decodes a JSON value. A value that no longer decodes
// into T is a miss.
func GetJSON[T any](ctx context.Context, s *Store, key string, opts GetOptions) (T, bool) {
	var out T
	data, ok := s.Get(ctx, key, opts)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		s.logger.Warn("Cached value does not decode", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		var zero T
		return zero, false
	}
	return out, true
}
