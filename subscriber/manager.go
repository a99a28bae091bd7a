package subscriber

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/dispatch"
	"github.com/code-payments/purchases-go/model"
)

// Completion receives the outcome of a subscriber state operation. Exactly
// one of state and err is set.
type Completion func(state *model.SubscriberState, err error)

// ReceiptPost carries everything needed to reconcile one purchase or
// restore with the backend.
type ReceiptPost struct {
	ReceiptData []byte
	AppUserID   string
	IsRestore   bool
	ProductInfo *model.ProductInfo
	Attributes  model.SubscriberAttributeDict
}

// InfoManager is the reconciliation core. It decides when cached
// subscriber state is good enough, coalesces duplicate in-flight fetches,
// writes fetch results through the device cache, and fans out
// change-suppressed updates to listeners.
type InfoManager struct {
	log         *zap.Logger
	dispatcher  *dispatch.Dispatcher
	deviceCache *cache.DeviceCache
	client      *backend.Client

	// At most one fetch is in flight per app user id.
	fetches *dispatch.Group[*model.SubscriberState]

	// currentAppUserID reports the active identity at write-back time. A
	// fetch completing after an identity switch still writes its (now
	// inert) cache slot, but is not surfaced to listeners as the active
	// user's state.
	currentAppUserID func() string

	mu        sync.Mutex
	lastSent  *model.SubscriberState
	listeners []Listener
}

func NewInfoManager(
	log *zap.Logger,
	dispatcher *dispatch.Dispatcher,
	deviceCache *cache.DeviceCache,
	client *backend.Client,
) *InfoManager {
	return &InfoManager{
		log:         log,
		dispatcher:  dispatcher,
		deviceCache: deviceCache,
		client:      client,
		fetches:     dispatch.NewGroup[*model.SubscriberState](),
	}
}

// SetCurrentIdentityProvider wires the active-identity accessor. Must be
// called before any fetch; the composition root does this right after the
// identity manager exists.
func (m *InfoManager) SetCurrentIdentityProvider(currentAppUserID func() string) {
	m.currentAppUserID = currentAppUserID
}

// AddListener registers a listener for subscriber state updates.
func (m *InfoManager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, l)
}

// CachedSubscriberState returns the cached snapshot for appUserID without
// touching the network.
func (m *InfoManager) CachedSubscriberState(ctx context.Context, appUserID string) *model.SubscriberState {
	return m.deviceCache.CachedSubscriberState(ctx, appUserID)
}

// FetchAndCache fetches the authoritative snapshot for appUserID,
// attaching to an already in-flight fetch for the same id if one exists.
// The completion runs on the main thread. On failure any previously cached
// state is left intact: stale-but-present beats absent.
func (m *InfoManager) FetchAndCache(ctx context.Context, appUserID string, isAppBackgrounded bool, completion Completion) {
	key := model.RequestFingerprint(http.MethodGet, "/v1/subscribers/"+appUserID)

	isOwner := m.fetches.Add(key, func(state *model.SubscriberState, err error) {
		if completion == nil {
			return
		}
		m.dispatcher.RunOnMainThread(func() {
			completion(state, err)
		})
	})
	if !isOwner {
		return
	}

	// Stamp the cache fresh up front so staleness checks racing with this
	// fetch don't queue more of them.
	m.deviceCache.SetSubscriberStateTimestampToNow(ctx, appUserID)

	m.dispatcher.RunOnWorkerThread(func() {
		state, err := m.client.GetSubscriberState(ctx, appUserID)
		if err != nil {
			m.deviceCache.ClearSubscriberStateTimestamp(ctx, appUserID)
			m.log.Warn("Failed to fetch subscriber state",
				zap.String("app_user_id", appUserID),
				zap.Error(err),
			)
			m.sendUpdateFailure(err)
			m.fetches.Complete(key, nil, err)
			return
		}

		m.Cache(ctx, state, appUserID)
		m.fetches.Complete(key, state, nil)
	})
}

// FetchIfStale completes synchronously on the calling thread with the
// cached snapshot when it is fresh, and otherwise delegates to
// FetchAndCache.
func (m *InfoManager) FetchIfStale(ctx context.Context, appUserID string, isAppBackgrounded bool, completion Completion) {
	cached := m.deviceCache.CachedSubscriberState(ctx, appUserID)
	isStale := m.deviceCache.IsSubscriberStateStale(ctx, appUserID, isAppBackgrounded)

	if cached != nil && !isStale {
		if completion != nil {
			completion(cached, nil)
		}
		return
	}

	m.FetchAndCache(ctx, appUserID, isAppBackgrounded, completion)
}

// FetchAndCacheSync is FetchAndCache for callers that want to block until
// the shared fetch completes.
func (m *InfoManager) FetchAndCacheSync(ctx context.Context, appUserID string, isAppBackgrounded bool) (*model.SubscriberState, error) {
	type outcome struct {
		state *model.SubscriberState
		err   error
	}
	done := make(chan outcome, 1)

	m.FetchAndCache(ctx, appUserID, isAppBackgrounded, func(state *model.SubscriberState, err error) {
		done <- outcome{state: state, err: err}
	})

	result := <-done
	return result.state, result.err
}

// PostReceipt posts receipt bytes for reconciliation. Each purchase is a
// distinct event, so posts are never de-duplicated; the response updates
// the cache exactly as a fetch does. The completion runs on the main
// thread.
func (m *InfoManager) PostReceipt(ctx context.Context, post ReceiptPost, completion Completion) {
	if len(post.ReceiptData) == 0 {
		if completion != nil {
			m.dispatcher.RunOnMainThread(func() {
				completion(nil, ErrMissingReceipt)
			})
		}
		return
	}

	m.dispatcher.RunOnWorkerThread(func() {
		state, err := m.client.PostReceipt(
			ctx,
			post.ReceiptData,
			post.AppUserID,
			post.IsRestore,
			post.ProductInfo,
			post.Attributes,
		)
		if err != nil {
			m.log.Warn("Failed to post receipt",
				zap.String("app_user_id", post.AppUserID),
				zap.Bool("is_restore", post.IsRestore),
				zap.Error(err),
			)
			if completion != nil {
				m.dispatcher.RunOnMainThread(func() {
					completion(nil, err)
				})
			}
			return
		}

		m.Cache(ctx, state, post.AppUserID)
		if completion != nil {
			m.dispatcher.RunOnMainThread(func() {
				completion(state, nil)
			})
		}
	})
}

// Cache writes a snapshot through the device cache and notifies listeners
// if it differs from the last one sent.
func (m *InfoManager) Cache(ctx context.Context, state *model.SubscriberState, appUserID string) {
	if err := m.deviceCache.CacheSubscriberState(ctx, state, appUserID); err != nil {
		m.log.Warn("Failed to cache subscriber state",
			zap.String("app_user_id", appUserID),
			zap.Error(err),
		)
		return
	}

	if m.currentAppUserID != nil && m.currentAppUserID() != appUserID {
		// Stale write-back from before an identity switch.
		return
	}

	m.sendUpdateIfChanged(state)
}

// ClearCache drops the cached snapshot for appUserID and forgets the last
// sent state so the next fetch always notifies.
func (m *InfoManager) ClearCache(ctx context.Context, appUserID string) {
	m.mu.Lock()
	m.lastSent = nil
	m.mu.Unlock()

	if err := m.deviceCache.ClearSubscriberState(ctx, appUserID); err != nil {
		m.log.Warn("Failed to clear subscriber state cache",
			zap.String("app_user_id", appUserID),
			zap.Error(err),
		)
	}
}

// InvalidateLastSentState forgets the last snapshot delivered to
// listeners so the next one always notifies, even if it compares equal.
// Called when the active identity changes.
func (m *InfoManager) InvalidateLastSentState() {
	m.mu.Lock()
	m.lastSent = nil
	m.mu.Unlock()
}

// SendCachedStateIfAvailable replays the cached snapshot to listeners,
// used right after a listener registers so it doesn't wait for the next
// fetch.
func (m *InfoManager) SendCachedStateIfAvailable(ctx context.Context, appUserID string) {
	cached := m.deviceCache.CachedSubscriberState(ctx, appUserID)
	if cached == nil {
		return
	}
	m.sendUpdateIfChanged(cached)
}

// sendUpdateFailure tells listeners that implement FailureListener about
// a failed refresh, on the main thread.
func (m *InfoManager) sendUpdateFailure(err error) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.dispatcher.RunOnMainThread(func() {
		for _, l := range listeners {
			if fl, ok := l.(FailureListener); ok {
				fl.OnFailedToUpdateSubscriberState(err)
			}
		}
	})
}

func (m *InfoManager) sendUpdateIfChanged(state *model.SubscriberState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.listeners) == 0 || state.Equal(m.lastSent) {
		return
	}

	m.lastSent = state

	// Copy listeners so the fan-out runs outside the lock.
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)

	m.dispatcher.RunOnMainThread(func() {
		for _, l := range listeners {
			l.OnSubscriberStateChanged(state)
		}
	})
}
