package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/purchases-go/kv/memory"
	"github.com/code-payments/purchases-go/model"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T) (*DeviceCache, *fakeClock) {
	clock := &fakeClock{now: time.Now()}
	c := NewDeviceCache(
		zaptest.NewLogger(t),
		memory.NewInMemory(),
		WithTTLs(5*time.Minute, 24*time.Hour),
		WithClock(clock.Now),
	)
	return c, clock
}

func testState(appUserID string) *model.SubscriberState {
	return &model.SubscriberState{
		OriginalAppUserID: appUserID,
		Entitlements: map[string]model.EntitlementInfo{
			"pro": {Identifier: "pro", IsActive: true, ProductID: "com.app.pro", Store: model.StoreAppStore},
		},
		AllPurchasedProductIDs: []string{"com.app.pro"},
		FirstSeen:              time.Now().UTC().Truncate(time.Second),
		RequestDate:            time.Now().UTC().Truncate(time.Second),
	}
}

func TestDeviceCache_SubscriberStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.Nil(t, c.CachedSubscriberState(ctx, "user1"))
	require.True(t, c.IsSubscriberStateStale(ctx, "user1", false))

	state := testState("user1")
	require.NoError(t, c.CacheSubscriberState(ctx, state, "user1"))

	cached := c.CachedSubscriberState(ctx, "user1")
	require.NotNil(t, cached)
	require.True(t, state.Equal(cached))
	require.False(t, c.IsSubscriberStateStale(ctx, "user1", false))

	// Storing the same state twice is idempotent by value.
	require.NoError(t, c.CacheSubscriberState(ctx, state, "user1"))
	require.True(t, state.Equal(c.CachedSubscriberState(ctx, "user1")))
}

func TestDeviceCache_DualTTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t)

	require.NoError(t, c.CacheSubscriberState(ctx, testState("user1"), "user1"))

	// 10 minutes exceeds the foreground TTL but not the background one.
	clock.Advance(10 * time.Minute)
	require.True(t, c.IsSubscriberStateStale(ctx, "user1", false))
	require.False(t, c.IsSubscriberStateStale(ctx, "user1", true))

	clock.Advance(25 * time.Hour)
	require.True(t, c.IsSubscriberStateStale(ctx, "user1", true))
}

func TestDeviceCache_ClearTimestampKeepsState(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	state := testState("user1")
	require.NoError(t, c.CacheSubscriberState(ctx, state, "user1"))

	c.ClearSubscriberStateTimestamp(ctx, "user1")

	require.True(t, c.IsSubscriberStateStale(ctx, "user1", false))
	require.True(t, state.Equal(c.CachedSubscriberState(ctx, "user1")))
}

func TestDeviceCache_ClearSubscriberState(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.CacheSubscriberState(ctx, testState("user1"), "user1"))
	require.NoError(t, c.ClearSubscriberState(ctx, "user1"))

	require.Nil(t, c.CachedSubscriberState(ctx, "user1"))
	require.True(t, c.IsSubscriberStateStale(ctx, "user1", false))
}

func TestDeviceCache_ClearCachesForNewUser(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.CacheSubscriberState(ctx, testState("old"), "old"))
	c.CacheOfferings(&model.Offerings{CurrentOfferingID: "default"})
	require.NoError(t, c.SetLatestAttributionSent(ctx, "old", "adjust", "hash1"))
	require.NoError(t, c.StoreAttributes(ctx, "old", model.SubscriberAttributeDict{
		"$email": {Key: "$email", Value: "a@b.c", IsSynced: true},
	}))

	require.NoError(t, c.ClearCachesForNewUser(ctx, "old", "new"))

	require.Nil(t, c.CachedSubscriberState(ctx, "old"))
	require.Nil(t, c.CachedOfferings())

	_, ok := c.LatestAttributionSent(ctx, "old", "adjust")
	require.False(t, ok)

	attrs, err := c.StoredAttributes(ctx, "old")
	require.NoError(t, err)
	require.Empty(t, attrs)

	id, ok := c.CachedAppUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "new", id)
}

func TestDeviceCache_UnsyncedAttributesSurviveUserSwitch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.StoreAttributes(ctx, "old", model.SubscriberAttributeDict{
		"$email": {Key: "$email", Value: "a@b.c", IsSynced: false},
	}))

	require.NoError(t, c.ClearCachesForNewUser(ctx, "old", "new"))

	// Unsynced attributes for the old user are kept for a later sync.
	attrs, err := c.UnsyncedAttributes(ctx, "old")
	require.NoError(t, err)
	require.Len(t, attrs, 1)
}

func TestDeviceCache_Offerings(t *testing.T) {
	c, clock := newTestCache(t)

	require.Nil(t, c.CachedOfferings())
	require.True(t, c.IsOfferingsStale(false))

	c.CacheOfferings(&model.Offerings{CurrentOfferingID: "default"})
	require.False(t, c.IsOfferingsStale(false))

	cached := c.CachedOfferings()
	require.NotNil(t, cached)
	require.Equal(t, "default", cached.CurrentOfferingID)

	clock.Advance(10 * time.Minute)
	require.True(t, c.IsOfferingsStale(false))
	require.False(t, c.IsOfferingsStale(true))

	c.CacheOfferings(&model.Offerings{CurrentOfferingID: "default"})
	c.ClearOfferingsTimestamp()
	require.True(t, c.IsOfferingsStale(true))
	require.NotNil(t, c.CachedOfferings())
}

func TestDeviceCache_AttributeStorage(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	setTime := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, c.StoreAttributes(ctx, "user1", model.SubscriberAttributeDict{
		"$email":       {Key: "$email", Value: "a@b.c", SetTime: setTime},
		"$displayName": {Key: "$displayName", Value: "Jo", SetTime: setTime, IsSynced: true},
	}))

	attr, ok := c.Attribute(ctx, "user1", "$email")
	require.True(t, ok)
	require.Equal(t, "a@b.c", attr.Value)

	unsynced, err := c.UnsyncedAttributes(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Contains(t, unsynced, "$email")

	// Unsynced attributes block deletion.
	require.NoError(t, c.DeleteAttributesIfSynced(ctx, "user1"))
	attrs, err := c.StoredAttributes(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, attrs, 2)

	require.NoError(t, c.StoreAttributes(ctx, "user1", model.SubscriberAttributeDict{
		"$email": {Key: "$email", Value: "a@b.c", SetTime: setTime, IsSynced: true},
	}))
	require.NoError(t, c.DeleteAttributesIfSynced(ctx, "user1"))

	attrs, err = c.StoredAttributes(ctx, "user1")
	require.NoError(t, err)
	require.Empty(t, attrs)
}
