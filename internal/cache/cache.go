package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Cache fronts expensive external calls with a content-addressed response
// store. It is purely an efficiency layer: a miss (or any backend failure
// treated as one by the caller) must yield the same visible output as a hit,
// only slower.
type Cache interface {
	// Get returns the stored value for key, or ok=false on a miss. An entry
	// whose TTL has elapsed is a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key for ttl. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes key. Removing an absent key is not an error.
	Invalidate(ctx context.Context, key string) error
}

// Fingerprint derives a deterministic cache key from a stage name and its
// normalized input. Identical requests always collide to the same entry
// regardless of calling order: the input is canonicalised through
// encoding/json, which emits map keys in sorted order.
func Fingerprint(stage string, input interface{}) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", stage, err)
	}
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write(payload)
	return "stage:" + stage + ":" + hex.EncodeToString(h.Sum(nil)), nil
}
