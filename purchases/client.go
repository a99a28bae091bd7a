package purchases

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/attributes"
	"github.com/code-payments/purchases-go/attribution"
	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/backend/rest"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/dispatch"
	"github.com/code-payments/purchases-go/identity"
	"github.com/code-payments/purchases-go/kv"
	"github.com/code-payments/purchases-go/kv/memory"
	"github.com/code-payments/purchases-go/model"
	"github.com/code-payments/purchases-go/offerings"
	"github.com/code-payments/purchases-go/subscriber"
)

// ErrOperationInProgress is returned when an operation that cannot share
// results, such as a restore, is started while another is in flight.
var ErrOperationInProgress = dispatch.ErrOperationInProgress

// ErrMissingReceipt is returned when a purchase or restore finds no
// receipt bytes on the device. Nothing was sent to the backend.
var ErrMissingReceipt = subscriber.ErrMissingReceipt

const restoreKey = "restore"

// Config configures a Client.
type Config struct {
	// APIKey authenticates every backend request. Required.
	APIKey string

	// AppUserID identifies the subscriber. Leave empty to let the SDK
	// manage an anonymous identity.
	AppUserID string

	// BaseURL overrides the backend host. Defaults to production.
	BaseURL string

	// Transport overrides the HTTP transport entirely, for tests.
	Transport backend.Transport

	// KV is the persistent store backing the device cache. Defaults to
	// an in-memory store, which does not survive restarts.
	KV kv.Store

	// ForegroundTTL and BackgroundTTL override the cache staleness
	// windows. Both must be set to take effect.
	ForegroundTTL time.Duration
	BackgroundTTL time.Duration

	// Log defaults to a no-op logger.
	Log *zap.Logger
}

// Client is the host-facing entry point. It owns the composition of the
// identity, caching, reconciliation and offerings layers, and exposes
// blocking methods over them.
type Client struct {
	log         *zap.Logger
	dispatcher  *dispatch.Dispatcher
	deviceCache *cache.DeviceCache
	subscribers *subscriber.InfoManager
	identity    *identity.Manager
	offerings   *offerings.Manager
	attributes  *attributes.Manager
	attribution *attribution.Poster
	store       StoreWrapper

	// Restores can't usefully share results across callers, so
	// concurrent ones are rejected rather than coalesced.
	restores *dispatch.Group[*model.SubscriberState]

	promotedMu sync.Mutex
	promoted   PromotedPurchaseListener

	backgrounded atomic.Bool
}

// PromotedPurchaseListener decides whether a purchase the store
// initiated on its own (a store-promoted product) should proceed
// immediately. Returning false defers it; the host can start it later
// with Purchase.
type PromotedPurchaseListener interface {
	OnShouldPurchasePromotedProduct(productID string) bool
}

// New wires up a Client. The identity is established synchronously:
// cfg.AppUserID wins when set, otherwise a persisted app user id is
// restored, otherwise an anonymous id is generated.
func New(ctx context.Context, cfg Config, store StoreWrapper) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	kvStore := cfg.KV
	if kvStore == nil {
		kvStore = memory.NewInMemory()
	}

	var cacheOpts []cache.Option
	if cfg.ForegroundTTL > 0 && cfg.BackgroundTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithTTLs(cfg.ForegroundTTL, cfg.BackgroundTTL))
	}
	deviceCache := cache.NewDeviceCache(log, kvStore, cacheOpts...)

	transport := cfg.Transport
	if transport == nil {
		if cfg.BaseURL != "" {
			transport = rest.NewTransport(cfg.BaseURL)
		} else {
			transport = rest.NewTransport()
		}
	}
	api := backend.NewClient(log, transport, cfg.APIKey)

	dispatcher := dispatch.NewDispatcher(log)
	subscribers := subscriber.NewInfoManager(log, dispatcher, deviceCache, api)
	attributesManager := attributes.NewManager(log, deviceCache, api)

	identityManager, err := identity.NewManager(ctx, log, deviceCache, api, subscribers, attributesManager, cfg.AppUserID)
	if err != nil {
		dispatcher.Shutdown()
		return nil, errors.Wrap(err, "failed to establish identity")
	}
	subscribers.SetCurrentIdentityProvider(identityManager.CurrentAppUserID)

	offeringsManager := offerings.NewManager(log, dispatcher, deviceCache, api)
	offeringsManager.SetCurrentIdentityProvider(identityManager.CurrentAppUserID)

	return &Client{
		log:         log,
		dispatcher:  dispatcher,
		deviceCache: deviceCache,
		subscribers: subscribers,
		identity:    identityManager,
		offerings:   offeringsManager,
		attributes:  attributesManager,
		attribution: attribution.NewPoster(log, deviceCache, api),
		store:       store,
		restores:    dispatch.NewGroup[*model.SubscriberState](),
	}, nil
}

// Close stops update delivery. Pending callbacks are drained first.
func (c *Client) Close() {
	c.dispatcher.Shutdown()
}

func (c *Client) AppUserID() string {
	return c.identity.CurrentAppUserID()
}

func (c *Client) IsAnonymous() bool {
	return c.identity.CurrentUserIsAnonymous()
}

// AddListener registers for subscriber state updates. The cached
// snapshot, if any, is replayed to listeners immediately so new
// listeners don't wait for the next fetch.
func (c *Client) AddListener(l subscriber.Listener) {
	c.subscribers.AddListener(l)
	c.subscribers.SendCachedStateIfAvailable(context.Background(), c.AppUserID())
}

// SubscriberInfo returns the current user's subscriber state, served
// from cache when fresh.
func (c *Client) SubscriberInfo(ctx context.Context) (*model.SubscriberState, error) {
	type result struct {
		state *model.SubscriberState
		err   error
	}
	done := make(chan result, 1)
	c.subscribers.FetchIfStale(ctx, c.AppUserID(), c.backgrounded.Load(), func(state *model.SubscriberState, err error) {
		done <- result{state, err}
	})

	select {
	case r := <-done:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateSubscriberInfoCache marks the cached subscriber state stale
// without discarding it: the next SubscriberInfo call refetches, but the
// stale snapshot remains available as a network-failure fallback.
func (c *Client) InvalidateSubscriberInfoCache(ctx context.Context) {
	c.deviceCache.ClearSubscriberStateTimestamp(ctx, c.AppUserID())
}

// Offerings returns the product catalog, served from cache when fresh.
func (c *Client) Offerings(ctx context.Context) (*model.Offerings, error) {
	type result struct {
		offerings *model.Offerings
		err       error
	}
	done := make(chan result, 1)
	c.offerings.Offerings(ctx, c.backgrounded.Load(), func(o *model.Offerings, err error) {
		done <- result{o, err}
	})

	select {
	case r := <-done:
		return r.offerings, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CacheProductDetails records store catalog details for a product, such
// as its subscription period and introductory price, so they ride along
// on receipt posts. Offerings fetches populate price, currency and
// offering context automatically; this is for what only the platform
// store catalog knows.
func (c *Client) CacheProductDetails(info model.ProductInfo) {
	c.offerings.CacheProductInfo(info)
}

// Purchase runs the store purchase flow for pack and reconciles the
// resulting receipt with the backend. The transaction is finished on
// success, and also on backend failures that would fail identically on
// retry; transport failures leave it pending for redelivery.
func (c *Client) Purchase(ctx context.Context, offeringID string, pack model.Package) (*model.SubscriberState, Transaction, error) {
	txn, err := c.store.Purchase(ctx, pack.ProductID)
	if err != nil {
		return nil, Transaction{}, errors.Wrap(err, "store purchase failed")
	}

	receipt, err := c.store.CurrentReceiptData(ctx)
	if err != nil {
		return nil, txn, errors.Wrap(err, "failed to load receipt")
	}

	productInfo := &model.ProductInfo{
		ProductID:    pack.ProductID,
		Price:        pack.Price,
		CurrencyCode: pack.CurrencyCode,
		OfferingID:   offeringID,
	}
	if cached, ok := c.offerings.CachedProductInfo(pack.ProductID); ok {
		productInfo.SubscriptionPeriod = cached.SubscriptionPeriod
		productInfo.IntroPrice = cached.IntroPrice
	}

	state, err := c.postReceipt(ctx, receipt, false, productInfo)
	c.settleTransaction(ctx, txn, err)
	if err != nil {
		return nil, txn, err
	}
	return state, txn, nil
}

// RestorePurchases posts the device's current receipt under the current
// app user id, reassigning its transactions server-side. Concurrent
// restores are rejected with ErrOperationInProgress.
func (c *Client) RestorePurchases(ctx context.Context) (*model.SubscriberState, error) {
	type result struct {
		state *model.SubscriberState
		err   error
	}
	done := make(chan result, 1)
	if err := c.restores.AddOrFail(restoreKey, func(state *model.SubscriberState, err error) {
		done <- result{state, err}
	}); err != nil {
		return nil, err
	}

	receipt, err := c.store.CurrentReceiptData(ctx)
	if err != nil {
		c.restores.Complete(restoreKey, nil, errors.Wrap(err, "failed to load receipt"))
	} else {
		state, postErr := c.postReceipt(ctx, receipt, true, nil)
		c.restores.Complete(restoreKey, state, postErr)
	}

	r := <-done
	return r.state, r.err
}

// HandleTransactionUpdated is the store wrapper's entry point for
// transactions surfaced outside a Purchase call: renewals delivered at
// launch, or transactions redelivered because the app crashed before
// they were finished. The receipt is reconciled exactly as a purchase
// is, and the transaction settled by the same rules.
func (c *Client) HandleTransactionUpdated(ctx context.Context, txn Transaction) (*model.SubscriberState, error) {
	receipt, err := c.store.CurrentReceiptData(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load receipt")
	}

	var productInfo *model.ProductInfo
	if cached, ok := c.offerings.CachedProductInfo(txn.ProductID); ok {
		productInfo = cached
	}

	state, err := c.postReceipt(ctx, receipt, false, productInfo)
	c.settleTransaction(ctx, txn, err)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// HandleTransactionRemoved is the store wrapper's entry point for
// transactions the store dropped from its queue. Nothing is left to
// reconcile at that point.
func (c *Client) HandleTransactionRemoved(_ context.Context, txn Transaction) {
	c.log.Debug("Store transaction removed",
		zap.String("transaction_id", txn.ID),
		zap.String("product_id", txn.ProductID),
	)
}

// SetPromotedPurchaseListener registers the decision hook for
// store-initiated purchases.
func (c *Client) SetPromotedPurchaseListener(l PromotedPurchaseListener) {
	c.promotedMu.Lock()
	c.promoted = l
	c.promotedMu.Unlock()
}

// HandlePromotedProduct is the store wrapper's entry point for a
// store-initiated purchase of productID. The registered listener decides
// whether it proceeds now; started reports that decision. With no
// listener registered the purchase is deferred.
func (c *Client) HandlePromotedProduct(ctx context.Context, productID string) (state *model.SubscriberState, txn Transaction, started bool, err error) {
	c.promotedMu.Lock()
	listener := c.promoted
	c.promotedMu.Unlock()

	if listener == nil || !listener.OnShouldPurchasePromotedProduct(productID) {
		c.log.Debug("Promoted product purchase deferred",
			zap.String("product_id", productID),
		)
		return nil, Transaction{}, false, nil
	}

	pack := model.Package{ProductID: productID}
	if cached, ok := c.offerings.CachedProductInfo(productID); ok {
		pack.Price = cached.Price
		pack.CurrencyCode = cached.CurrencyCode
	}

	state, txn, err = c.Purchase(ctx, "", pack)
	return state, txn, true, err
}

// LogIn switches the active identity to appUserID. The created flag
// reports whether the backend minted a new subscriber.
func (c *Client) LogIn(ctx context.Context, appUserID string) (*model.SubscriberState, bool, error) {
	return c.identity.LogIn(ctx, appUserID)
}

// LogOut discards the current identified user and continues under a
// fresh anonymous identity.
func (c *Client) LogOut(ctx context.Context) (*model.SubscriberState, error) {
	return c.identity.LogOut(ctx)
}

// SetAttributes records subscriber attributes locally. They ride along
// with the next receipt post, or can be pushed with SyncAttributes.
func (c *Client) SetAttributes(ctx context.Context, attrs map[string]string) error {
	return c.attributes.SetAttributes(ctx, c.AppUserID(), attrs)
}

// SyncAttributes pushes unsynced subscriber attributes to the backend.
func (c *Client) SyncAttributes(ctx context.Context) error {
	return c.attributes.SyncAttributes(ctx, c.AppUserID())
}

// PostAttribution forwards an ad network attribution payload, skipping
// payloads identical to the last one sent for the network.
func (c *Client) PostAttribution(ctx context.Context, network string, data map[string]interface{}) error {
	return c.attribution.Post(ctx, c.AppUserID(), network, data)
}

// SetAppBackgrounded toggles the cache staleness window. Returning to
// the foreground kicks off a refresh if the cached state went stale
// while backgrounded.
func (c *Client) SetAppBackgrounded(ctx context.Context, backgrounded bool) {
	wasBackgrounded := c.backgrounded.Swap(backgrounded)
	if !wasBackgrounded || backgrounded {
		return
	}

	c.subscribers.FetchIfStale(ctx, c.AppUserID(), false, func(_ *model.SubscriberState, err error) {
		if err != nil {
			c.log.Warn("Foreground subscriber state refresh failed", zap.Error(err))
		}
	})
}

func (c *Client) postReceipt(ctx context.Context, receipt []byte, isRestore bool, productInfo *model.ProductInfo) (*model.SubscriberState, error) {
	appUserID := c.AppUserID()

	unsynced, err := c.attributes.UnsyncedAttributes(ctx, appUserID)
	if err != nil {
		c.log.Warn("Failed to load unsynced attributes for receipt post", zap.Error(err))
		unsynced = nil
	}

	type result struct {
		state *model.SubscriberState
		err   error
	}
	done := make(chan result, 1)
	c.subscribers.PostReceipt(ctx, subscriber.ReceiptPost{
		ReceiptData: receipt,
		AppUserID:   appUserID,
		IsRestore:   isRestore,
		ProductInfo: productInfo,
		Attributes:  unsynced,
	}, func(state *model.SubscriberState, err error) {
		done <- result{state, err}
	})

	r := <-done
	if markErr := c.attributes.MarkSyncedIfConsumed(ctx, appUserID, unsynced, r.err); markErr != nil {
		c.log.Warn("Failed to mark attributes synced", zap.Error(markErr))
	}
	return r.state, r.err
}

func (c *Client) settleTransaction(ctx context.Context, txn Transaction, postErr error) {
	if postErr != nil && !backend.ShouldFinishTransaction(postErr) {
		return
	}
	if err := c.store.FinishTransaction(ctx, txn); err != nil {
		c.log.Warn("Failed to finish store transaction",
			zap.String("transaction_id", txn.ID),
			zap.Error(err),
		)
	}
}
