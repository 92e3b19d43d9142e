package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	dedupBucket = "bmpipe-dedup"
)

var ErrDedupStore = errors.New("dedup store error")

// Deduper records event idempotency keys for a limited time so stages can skip exact replays.
type Deduper interface {
	// Seen returns true when the key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records the key.
	Mark(ctx context.Context, key string) error
}

// KV keys are limited to a restricted character set, event keys are hashed.
func dedupKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KVDeduper implements Deduper on a NATS KV bucket, the bucket TTL expires keys.
type KVDeduper struct {
	kv nats.KeyValue
}

// NewKVDeduper binds to, or creates the dedup KV bucket.
func NewKVDeduper(js nats.JetStreamContext, ttl time.Duration, replicas int) (*KVDeduper, error) {
	kv, err := js.KeyValue(dedupBucket)
	if err == nil {
		return &KVDeduper{kv: kv}, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, errors.Wrap(ErrDedupStore, err.Error())
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      dedupBucket,
		Description: model.AppName + " processed event keys",
		TTL:         ttl,
		Replicas:    replicas,
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(ErrDedupStore, err.Error())
	}

	return &KVDeduper{kv: kv}, nil
}

// Seen implements the Deduper interface.
func (d *KVDeduper) Seen(_ context.Context, key string) (bool, error) {
	_, err := d.kv.Get(dedupKey(key))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}

	return false, errors.Wrap(ErrDedupStore, err.Error())
}

// Mark implements the Deduper interface.
func (d *KVDeduper) Mark(_ context.Context, key string) error {
	if _, err := d.kv.Put(dedupKey(key), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return errors.Wrap(ErrDedupStore, err.Error())
	}

	return nil
}

// MemDeduper implements Deduper in memory.
type MemDeduper struct {
	mu   *sync.RWMutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemDeduper returns an in memory Deduper, a zero ttl never expires keys.
func NewMemDeduper(ttl time.Duration) *MemDeduper {
	return &MemDeduper{
		mu:   &sync.RWMutex{},
		ttl:  ttl,
		keys: map[string]time.Time{},
		now:  time.Now,
	}
}

// Seen implements the Deduper interface.
func (d *MemDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	marked, ok := d.keys[dedupKey(key)]
	if !ok {
		return false, nil
	}

	if d.ttl > 0 && d.now().Sub(marked) > d.ttl {
		return false, nil
	}

	return true, nil
}

// Mark implements the Deduper interface.
func (d *MemDeduper) Mark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.keys[dedupKey(key)] = d.now()

	return nil
}
