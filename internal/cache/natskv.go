package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	natsclient "github.com/streamforge/token-relay/internal/nats"
)

// BucketName is the JetStream KV bucket holding relay snapshots.
const BucketName = "RELAY_CACHE"

// KV is the JetStream key/value Cache implementation. JetStream
// expires keys at the bucket level, so the per-call TTL passed to Set
// is ignored and the bucket TTL governs.
type KV struct {
	kv jetstream.KeyValue
}

// NewKV creates (or binds to) the relay cache bucket with the given
// default TTL.
func NewKV(ctx context.Context, client *natsclient.Client, ttl time.Duration) (*KV, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, BucketName)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketName,
			Description: "short-TTL relay metrics snapshots",
			TTL:         ttl,
			Storage:     jetstream.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("cache: kv bucket %s: %w", BucketName, err)
	}

	return &KV{kv: kv}, nil
}

// Set stores value under key. The bucket TTL applies; the per-call ttl
// is accepted for interface compatibility.
func (c *KV) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, ErrMiss when absent.
func (c *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return entry.Value(), nil
}
