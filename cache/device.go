package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/kv"
	"github.com/code-payments/purchases-go/model"
)

const (
	keyBase = "com.codepayments.sdk."

	appUserIDKey = keyBase + "appUserID"

	subscriberStateKeyBase          = keyBase + "subscriberInfo."
	subscriberStateTimestampKeyBase = keyBase + "subscriberInfoTimestamp."
	attributesKeyBase               = keyBase + "attributes."
	attributionKeyBase              = keyBase + "attribution."
)

const (
	// Foreground reads should surface an upgrade made in another session
	// within one app-open, so the TTL stays short.
	DefaultForegroundTTL = 5 * time.Minute

	// Backgrounded apps aren't rendering entitlements, so refreshes there
	// are mostly wasted network chatter.
	DefaultBackgroundTTL = 25 * time.Hour
)

// DeviceCache is the durable cache layer: per-user subscriber state blobs
// and timestamps in a kv.Store, a process-wide in-memory offerings cache,
// subscriber attribute storage, and attribution bookkeeping.
//
// All methods are safe for concurrent use. The kv.Store's per-operation
// atomicity is relied upon, but compound read-modify-write sequences are
// guarded by an internal lock so two concurrent refreshes for the same key
// cannot interleave.
type DeviceCache struct {
	log *zap.Logger
	kv  kv.Store

	foregroundTTL time.Duration
	backgroundTTL time.Duration
	now           func() time.Time

	mu        sync.Mutex
	offerings TimedValue[model.Offerings]
}

type Option func(*DeviceCache)

func WithTTLs(foreground, background time.Duration) Option {
	return func(c *DeviceCache) {
		c.foregroundTTL = foreground
		c.backgroundTTL = background
	}
}

// WithClock overrides the time source. Tests use this to age cache entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *DeviceCache) {
		c.now = now
	}
}

func NewDeviceCache(log *zap.Logger, store kv.Store, opts ...Option) *DeviceCache {
	c := &DeviceCache{
		log:           log,
		kv:            store,
		foregroundTTL: DefaultForegroundTTL,
		backgroundTTL: DefaultBackgroundTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DeviceCache) ttl(isAppBackgrounded bool) time.Duration {
	if isAppBackgrounded {
		return c.backgroundTTL
	}
	return c.foregroundTTL
}

// CachedAppUserID returns the persisted app user id, if any.
func (c *DeviceCache) CachedAppUserID(ctx context.Context) (string, bool) {
	value, err := c.kv.Get(ctx, appUserIDKey)
	if err == kv.ErrNotFound {
		return "", false
	} else if err != nil {
		c.log.Warn("Failed to read cached app user id", zap.Error(err))
		return "", false
	}
	return string(value), true
}

func (c *DeviceCache) CacheAppUserID(ctx context.Context, appUserID string) error {
	return c.kv.Set(ctx, appUserIDKey, []byte(appUserID))
}

// CacheAppUserIDIfAbsent persists appUserID unless another id was persisted
// concurrently, in which case the existing id is returned. Guards two
// processes racing to seed the anonymous id.
func (c *DeviceCache) CacheAppUserIDIfAbsent(ctx context.Context, appUserID string) (string, error) {
	err := c.kv.SetIfAbsent(ctx, appUserIDKey, []byte(appUserID))
	if err == kv.ErrExists {
		existing, err := c.kv.Get(ctx, appUserIDKey)
		if err != nil {
			return "", err
		}
		return string(existing), nil
	} else if err != nil {
		return "", err
	}
	return appUserID, nil
}

// CachedSubscriberState returns the cached snapshot for appUserID, or nil
// if none exists. Undecodable blobs (older schema versions, corruption)
// are treated as a miss.
func (c *DeviceCache) CachedSubscriberState(ctx context.Context, appUserID string) *model.SubscriberState {
	value, err := c.kv.Get(ctx, subscriberStateKeyBase+appUserID)
	if err == kv.ErrNotFound {
		return nil
	} else if err != nil {
		c.log.Warn("Failed to read cached subscriber state", zap.Error(err))
		return nil
	}

	state, err := model.DecodeSubscriberState(value)
	if err != nil {
		c.log.Warn("Discarding undecodable cached subscriber state", zap.Error(err))
		return nil
	}
	return state
}

// CacheSubscriberState writes the snapshot through and stamps its
// timestamp to now.
func (c *DeviceCache) CacheSubscriberState(ctx context.Context, state *model.SubscriberState, appUserID string) error {
	encoded, err := model.EncodeSubscriberState(state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Set(ctx, subscriberStateKeyBase+appUserID, encoded); err != nil {
		return err
	}
	return c.setSubscriberStateTimestampLocked(ctx, appUserID, c.now())
}

func (c *DeviceCache) IsSubscriberStateStale(ctx context.Context, appUserID string, isAppBackgrounded bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lastUpdated, ok := c.subscriberStateTimestampLocked(ctx, appUserID)
	if !ok {
		return true
	}
	return c.now().Sub(lastUpdated) > c.ttl(isAppBackgrounded)
}

// SetSubscriberStateTimestampToNow stamps the cache fresh before a fetch is
// dispatched, so concurrent callers don't pile more fetches on top of it.
func (c *DeviceCache) SetSubscriberStateTimestampToNow(ctx context.Context, appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setSubscriberStateTimestampLocked(ctx, appUserID, c.now()); err != nil {
		c.log.Warn("Failed to stamp subscriber state timestamp", zap.Error(err))
	}
}

// ClearSubscriberStateTimestamp forces the next staleness check to report
// stale while keeping the cached value readable.
func (c *DeviceCache) ClearSubscriberStateTimestamp(ctx context.Context, appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Delete(ctx, subscriberStateTimestampKeyBase+appUserID); err != nil {
		c.log.Warn("Failed to clear subscriber state timestamp", zap.Error(err))
	}
}

func (c *DeviceCache) ClearSubscriberState(ctx context.Context, appUserID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Delete(ctx, subscriberStateTimestampKeyBase+appUserID); err != nil {
		return err
	}
	return c.kv.Delete(ctx, subscriberStateKeyBase+appUserID)
}

// ClearCachesForNewUser migrates the cache across an identity switch: the
// old user's snapshot and synced attributes no longer apply, offerings may
// be user-targeted server-side, and the new id becomes current.
func (c *DeviceCache) ClearCachesForNewUser(ctx context.Context, oldAppUserID, newAppUserID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Delete(ctx, subscriberStateKeyBase+oldAppUserID); err != nil {
		return err
	}
	if err := c.kv.Delete(ctx, subscriberStateTimestampKeyBase+oldAppUserID); err != nil {
		return err
	}
	attributionKeys, err := c.kv.KeysWithPrefix(ctx, attributionKeyBase+oldAppUserID+".")
	if err != nil {
		return err
	}
	for _, key := range attributionKeys {
		if err := c.kv.Delete(ctx, key); err != nil {
			return err
		}
	}

	c.offerings.Invalidate()

	if err := c.deleteAttributesIfSyncedLocked(ctx, oldAppUserID); err != nil {
		return err
	}

	return c.kv.Set(ctx, appUserIDKey, []byte(newAppUserID))
}

func (c *DeviceCache) subscriberStateTimestampLocked(ctx context.Context, appUserID string) (time.Time, bool) {
	value, err := c.kv.Get(ctx, subscriberStateTimestampKeyBase+appUserID)
	if err == kv.ErrNotFound {
		return time.Time{}, false
	} else if err != nil {
		c.log.Warn("Failed to read subscriber state timestamp", zap.Error(err))
		return time.Time{}, false
	}

	unixNano, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		c.log.Warn("Discarding unparsable subscriber state timestamp", zap.Error(err))
		return time.Time{}, false
	}
	return time.Unix(0, unixNano), true
}

func (c *DeviceCache) setSubscriberStateTimestampLocked(ctx context.Context, appUserID string, ts time.Time) error {
	return c.kv.Set(ctx, subscriberStateTimestampKeyBase+appUserID, []byte(strconv.FormatInt(ts.UnixNano(), 10)))
}

// CachedOfferings returns the process-wide cached offerings, if any.
// Offerings are shared across users; product catalogs are not
// user-specific.
func (c *DeviceCache) CachedOfferings() *model.Offerings {
	c.mu.Lock()
	defer c.mu.Unlock()

	offerings, ok := c.offerings.Get()
	if !ok {
		return nil
	}
	return &offerings
}

func (c *DeviceCache) CacheOfferings(offerings *model.Offerings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offerings.Update(*offerings, c.now())
}

func (c *DeviceCache) IsOfferingsStale(isAppBackgrounded bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.offerings.IsStale(c.now(), c.ttl(isAppBackgrounded))
}

func (c *DeviceCache) ClearOfferingsTimestamp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offerings.ClearTimestamp()
}

// StoreAttributes merges the given attributes into the stored set for
// appUserID, replacing values per key.
func (c *DeviceCache) StoreAttributes(ctx context.Context, appUserID string, attributes model.SubscriberAttributeDict) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, attr := range attributes {
		encoded, err := json.Marshal(attr)
		if err != nil {
			return err
		}
		if err := c.kv.Set(ctx, attributeKey(appUserID, key), encoded); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeviceCache) Attribute(ctx context.Context, appUserID, attributeKey string) (model.SubscriberAttribute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attributes, err := c.storedAttributesLocked(ctx, appUserID)
	if err != nil {
		c.log.Warn("Failed to read subscriber attributes", zap.Error(err))
		return model.SubscriberAttribute{}, false
	}

	attr, ok := attributes[attributeKey]
	return attr, ok
}

func (c *DeviceCache) StoredAttributes(ctx context.Context, appUserID string) (model.SubscriberAttributeDict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.storedAttributesLocked(ctx, appUserID)
}

func (c *DeviceCache) UnsyncedAttributes(ctx context.Context, appUserID string) (model.SubscriberAttributeDict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attributes, err := c.storedAttributesLocked(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	return attributes.Unsynced(), nil
}

// DeleteAttributesIfSynced removes all stored attributes for appUserID,
// but only once every one of them has been acknowledged by the backend.
func (c *DeviceCache) DeleteAttributesIfSynced(ctx context.Context, appUserID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deleteAttributesIfSyncedLocked(ctx, appUserID)
}

func (c *DeviceCache) deleteAttributesIfSyncedLocked(ctx context.Context, appUserID string) error {
	attributes, err := c.storedAttributesLocked(ctx, appUserID)
	if err != nil {
		return err
	}
	if len(attributes.Unsynced()) > 0 {
		return nil
	}

	for key := range attributes {
		if err := c.kv.Delete(ctx, attributeKey(appUserID, key)); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeviceCache) storedAttributesLocked(ctx context.Context, appUserID string) (model.SubscriberAttributeDict, error) {
	prefix := attributesKeyBase + appUserID + "."
	keys, err := c.kv.KeysWithPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	attributes := make(model.SubscriberAttributeDict)
	for _, key := range keys {
		value, err := c.kv.Get(ctx, key)
		if err == kv.ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}

		var attr model.SubscriberAttribute
		if err := json.Unmarshal(value, &attr); err != nil {
			c.log.Warn("Discarding undecodable subscriber attribute", zap.String("key", key), zap.Error(err))
			continue
		}
		attributes[attr.Key] = attr
	}
	return attributes, nil
}

func attributeKey(appUserID, key string) string {
	return attributesKeyBase + appUserID + "." + key
}

// LatestAttributionSent returns the last attribution payload hash posted
// for appUserID and network, if any.
func (c *DeviceCache) LatestAttributionSent(ctx context.Context, appUserID, network string) (string, bool) {
	value, err := c.kv.Get(ctx, attributionKeyBase+appUserID+"."+network)
	if err == kv.ErrNotFound {
		return "", false
	} else if err != nil {
		c.log.Warn("Failed to read latest attribution sent", zap.Error(err))
		return "", false
	}
	return string(value), true
}

func (c *DeviceCache) SetLatestAttributionSent(ctx context.Context, appUserID, network, payloadHash string) error {
	return c.kv.Set(ctx, attributionKeyBase+appUserID+"."+network, []byte(payloadHash))
}
