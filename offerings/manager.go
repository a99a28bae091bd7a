package offerings

import (
	"context"
	"time"

	"github.com/ReneKroon/ttlcache"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/dispatch"
	"github.com/code-payments/purchases-go/model"
)

const defaultProductInfoTTL = 5 * time.Minute

// Completion receives the offerings configuration, or the error that
// prevented fetching it.
type Completion func(offerings *model.Offerings, err error)

// Manager serves the offerings configuration from the device cache and
// refreshes it from the backend when stale, collapsing concurrent
// refreshes into a single request.
type Manager struct {
	log         *zap.Logger
	dispatcher  *dispatch.Dispatcher
	deviceCache *cache.DeviceCache
	client      *backend.Client
	fetches     *dispatch.Group[*model.Offerings]

	// Store product details looked up for display, keyed by product id.
	// These come from the store catalog, not the backend, so they get
	// their own short-lived cache.
	products *ttlcache.Cache

	currentAppUserID func() string
}

func NewManager(
	log *zap.Logger,
	dispatcher *dispatch.Dispatcher,
	deviceCache *cache.DeviceCache,
	client *backend.Client,
) *Manager {
	products := ttlcache.NewCache()
	products.SetTTL(defaultProductInfoTTL)

	return &Manager{
		log:         log,
		dispatcher:  dispatcher,
		deviceCache: deviceCache,
		client:      client,
		fetches:     dispatch.NewGroup[*model.Offerings](),
		products:    products,
	}
}

// SetCurrentIdentityProvider wires the source of the active app user id.
// Must be called before any fetch.
func (m *Manager) SetCurrentIdentityProvider(currentAppUserID func() string) {
	m.currentAppUserID = currentAppUserID
}

// Offerings returns the cached configuration when fresh, completing
// synchronously on the calling thread, and otherwise refreshes it from
// the backend.
func (m *Manager) Offerings(ctx context.Context, isAppBackgrounded bool, completion Completion) {
	cached := m.deviceCache.CachedOfferings()
	if cached != nil && !m.deviceCache.IsOfferingsStale(isAppBackgrounded) {
		m.log.Debug("Serving offerings from cache")
		completion(cached, nil)
		return
	}

	m.FetchAndCache(ctx, completion)
}

// FetchAndCache unconditionally refreshes the offerings configuration.
// Concurrent calls share one backend request and every completion fires
// in registration order.
func (m *Manager) FetchAndCache(ctx context.Context, completion Completion) {
	appUserID := m.currentAppUserID()
	key := model.RequestFingerprint("GET", "/v1/subscribers/"+appUserID+"/offerings")

	isOwner := m.fetches.Add(key, func(offerings *model.Offerings, err error) {
		m.dispatcher.RunOnMainThread(func() {
			completion(offerings, err)
		})
	})
	if !isOwner {
		return
	}

	m.dispatcher.RunOnWorkerThread(func() {
		offerings, err := m.client.GetOfferings(ctx, appUserID)
		if err != nil {
			m.log.Warn("Failed to fetch offerings", zap.Error(err))

			// Serve the stale copy rather than nothing.
			if cached := m.deviceCache.CachedOfferings(); cached != nil {
				m.fetches.Complete(key, cached, nil)
				return
			}

			m.fetches.Complete(key, nil, err)
			return
		}

		m.deviceCache.CacheOfferings(offerings)
		m.cacheProductDetails(offerings)
		m.fetches.Complete(key, offerings, nil)
	})
}

// cacheProductDetails records every fetched package so receipt posts can
// attach price, currency and presented offering without a catalog
// lookup.
func (m *Manager) cacheProductDetails(o *model.Offerings) {
	for offeringID, offering := range o.All {
		for _, pack := range offering.Packages {
			m.CacheProductInfo(model.ProductInfo{
				ProductID:    pack.ProductID,
				Price:        pack.Price,
				CurrencyCode: pack.CurrencyCode,
				OfferingID:   offeringID,
			})
		}
	}
}

// InvalidateCache forces the next Offerings call to hit the backend.
func (m *Manager) InvalidateCache() {
	m.deviceCache.ClearOfferingsTimestamp()
}

// CachedProductInfo returns store catalog details previously recorded
// for productID, if still fresh.
func (m *Manager) CachedProductInfo(productID string) (*model.ProductInfo, bool) {
	cached, ok := m.products.Get(productID)
	if !ok {
		return nil, false
	}

	info := cached.(model.ProductInfo)
	return &info, true
}

// CacheProductInfo records product details, merging with any cached
// entry so backend-sourced offering context and store-catalog details
// (subscription period, intro price) accumulate rather than clobber
// each other.
func (m *Manager) CacheProductInfo(info model.ProductInfo) {
	if existing, ok := m.CachedProductInfo(info.ProductID); ok {
		if info.OfferingID == "" {
			info.OfferingID = existing.OfferingID
		}
		if info.SubscriptionPeriod == "" {
			info.SubscriptionPeriod = existing.SubscriptionPeriod
		}
		if info.IntroPrice.IsZero() {
			info.IntroPrice = existing.IntroPrice
		}
		if info.CurrencyCode == "" {
			info.CurrencyCode = existing.CurrencyCode
		}
		if info.Price.IsZero() {
			info.Price = existing.Price
		}
	}
	m.products.Set(info.ProductID, info)
}
