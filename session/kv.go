package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/pkg/retry"
)

// DefaultBucket is the KV bucket name for session records.
const DefaultBucket = "sessions"

const keyPrefix = "user."

// record is the stored session document.
type record struct {
	Endpoints    []string  `json:"endpoints"`
	LastActivity time.Time `json:"last_activity"`
}

func (r record) has(endpointID string) bool {
	for _, e := range r.Endpoints {
		if e == endpointID {
			return true
		}
	}
	return false
}

// KV is a Registry backed by a JetStream key-value bucket, shared by router
// instances across processes. Endpoint set updates use compare-and-swap on
// the record revision so concurrent registrations never lose updates; the
// bucket's own TTL acts as a storage backstop behind the lazy expiry check.
type KV struct {
	bucket jetstream.KeyValue
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
	cas    retry.Config
}

// KVOption configures a KV registry.
type KVOption func(*KV)

// WithKVTTL sets the inactivity window.
func WithKVTTL(ttl time.Duration) KVOption {
	return func(k *KV) {
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

// WithKVClock overrides the time source for tests.
func WithKVClock(clock func() time.Time) KVOption {
	return func(k *KV) {
		if clock != nil {
			k.clock = clock
		}
	}
}

// WithKVLogger sets the structured logger.
func WithKVLogger(logger *slog.Logger) KVOption {
	return func(k *KV) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// NewKV creates a KV-backed registry on an existing bucket.
func NewKV(bucket jetstream.KeyValue, opts ...KVOption) *KV {
	k := &KV{
		bucket: bucket,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default(),
		cas:    retry.CAS(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Register adds endpointID to the user's session with a CAS update loop.
func (k *KV) Register(ctx context.Context, userID, endpointID string) error {
	err := retry.Do(ctx, k.cas, func() error {
		return k.tryRegister(ctx, userID, endpointID)
	})
	if err != nil {
		return errors.WrapTransient(err, "SessionKV", "Register", "update session record")
	}
	return nil
}

func (k *KV) tryRegister(ctx context.Context, userID, endpointID string) error {
	key := keyPrefix + userID
	now := k.clock()

	entry, err := k.bucket.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return err
		}
		// First registration for this user.
		data, merr := json.Marshal(record{Endpoints: []string{endpointID}, LastActivity: now})
		if merr != nil {
			return retry.NonRetryable(merr)
		}
		_, err = k.bucket.Create(ctx, key, data)
		// ErrKeyExists means another router won the create race; retry takes
		// the update path.
		return err
	}

	var rec record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		// Corrupt record: overwrite with a fresh session.
		k.logger.Warn("resetting corrupt session record", "user_id", userID, "error", err)
		rec = record{}
	}
	if k.expired(rec, now) {
		rec = record{}
	}
	if !rec.has(endpointID) {
		rec.Endpoints = append(rec.Endpoints, endpointID)
	}
	rec.LastActivity = now

	data, err := json.Marshal(rec)
	if err != nil {
		return retry.NonRetryable(err)
	}
	// Revision mismatch means a concurrent update; the retry loop re-reads.
	_, err = k.bucket.Update(ctx, key, data, entry.Revision())
	return err
}

// Endpoints returns the user's active endpoints, treating expired or missing
// records as absent.
func (k *KV) Endpoints(ctx context.Context, userID string) ([]string, error) {
	entry, err := k.bucket.Get(ctx, keyPrefix+userID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "SessionKV", "Endpoints", "get session record")
	}

	var rec record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		k.logger.Warn("ignoring corrupt session record", "user_id", userID, "error", err)
		return nil, nil
	}
	if k.expired(rec, k.clock()) {
		return nil, nil
	}
	return rec.Endpoints, nil
}

// Touch refreshes the user's activity time. Unknown or expired sessions are a
// no-op.
func (k *KV) Touch(ctx context.Context, userID string) error {
	err := retry.Do(ctx, k.cas, func() error {
		key := keyPrefix + userID
		entry, err := k.bucket.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		var rec record
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return nil
		}
		now := k.clock()
		if k.expired(rec, now) {
			return nil
		}
		rec.LastActivity = now

		data, err := json.Marshal(rec)
		if err != nil {
			return retry.NonRetryable(err)
		}
		_, err = k.bucket.Update(ctx, key, data, entry.Revision())
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "SessionKV", "Touch", "refresh session record")
	}
	return nil
}

func (k *KV) expired(rec record, now time.Time) bool {
	return now.Sub(rec.LastActivity) >= k.ttl
}

var _ Registry = (*KV)(nil)
