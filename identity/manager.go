package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/model"
	"github.com/code-payments/purchases-go/subscriber"
)

var (
	ErrInvalidAppUserID    = errors.New("app user id must not be empty")
	ErrLogOutAnonymousUser = errors.New("cannot log out while the current user is anonymous")
)

const anonymousIDPrefix = "$AnonymousID:"

// IsAnonymousID reports whether an app user id was generated by the SDK
// rather than supplied by the host app.
func IsAnonymousID(appUserID string) bool {
	return strings.HasPrefix(appUserID, anonymousIDPrefix)
}

// AttributeSyncer flushes unsynced subscriber attributes before an
// identity switch, so edits made under the old identity aren't stranded.
type AttributeSyncer interface {
	SyncUnsyncedAttributes(ctx context.Context, appUserID string)
}

// Manager owns the active app user identity. Exactly one identity is
// active at a time; switching it is atomic from the caller's point of
// view.
type Manager struct {
	log         *zap.Logger
	deviceCache *cache.DeviceCache
	client      *backend.Client
	subscribers *subscriber.InfoManager
	attributes  AttributeSyncer

	mu        sync.RWMutex
	appUserID string
}

// NewManager establishes the active identity: a host-supplied id always
// wins and is persisted, otherwise a previously persisted id is
// restored, otherwise a fresh anonymous id is generated. attributes may
// be nil.
func NewManager(
	ctx context.Context,
	log *zap.Logger,
	deviceCache *cache.DeviceCache,
	client *backend.Client,
	subscribers *subscriber.InfoManager,
	attributes AttributeSyncer,
	appUserID string,
) (*Manager, error) {
	m := &Manager{
		log:         log,
		deviceCache: deviceCache,
		client:      client,
		subscribers: subscribers,
		attributes:  attributes,
	}

	if appUserID != "" {
		if err := deviceCache.CacheAppUserID(ctx, appUserID); err != nil {
			return nil, err
		}
		m.appUserID = appUserID
		return m, nil
	}

	if cached, ok := deviceCache.CachedAppUserID(ctx); ok {
		m.appUserID = cached
		return m, nil
	}

	// If two processes race to seed the anonymous id, both adopt the
	// winner's.
	generated := generateAnonymousID()
	adopted, err := deviceCache.CacheAppUserIDIfAbsent(ctx, generated)
	if err != nil {
		return nil, err
	}

	log.Debug("Generated anonymous app user id")
	m.appUserID = adopted
	return m, nil
}

func (m *Manager) CurrentAppUserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appUserID
}

func (m *Manager) CurrentUserIsAnonymous() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return IsAnonymousID(m.appUserID)
}

// LogIn identifies the subscriber under newAppUserID. The created flag
// reports whether the backend minted a new subscriber. Logging in as the
// already-current user short-circuits to a plain fetch.
func (m *Manager) LogIn(ctx context.Context, newAppUserID string) (*model.SubscriberState, bool, error) {
	if strings.TrimSpace(newAppUserID) == "" {
		return nil, false, ErrInvalidAppUserID
	}

	current := m.CurrentAppUserID()
	if newAppUserID == current {
		m.log.Debug("Logging in as the current app user id, fetching subscriber state")
		state, err := m.subscribers.FetchAndCacheSync(ctx, current, false)
		return state, false, err
	}

	if m.attributes != nil {
		m.attributes.SyncUnsyncedAttributes(ctx, current)
	}

	state, created, err := m.client.LogIn(ctx, current, newAppUserID)
	if err != nil {
		return nil, false, err
	}

	m.switchIdentity(ctx, current, newAppUserID)
	m.subscribers.Cache(ctx, state, newAppUserID)

	m.log.Debug("Logged in",
		zap.Bool("created", created),
	)
	return state, created, nil
}

// LogOut discards the current identified user and starts over under a
// fresh anonymous id, returning the new identity's subscriber state.
func (m *Manager) LogOut(ctx context.Context) (*model.SubscriberState, error) {
	current := m.CurrentAppUserID()
	if IsAnonymousID(current) {
		return nil, ErrLogOutAnonymousUser
	}

	if m.attributes != nil {
		m.attributes.SyncUnsyncedAttributes(ctx, current)
	}

	newAppUserID := generateAnonymousID()
	m.switchIdentity(ctx, current, newAppUserID)

	m.log.Debug("Logged out, generated new anonymous app user id")
	return m.subscribers.FetchAndCacheSync(ctx, newAppUserID, false)
}

// CreateAlias links alias to the current app user id server-side and
// switches the active identity to it. Kept for hosts still on the legacy
// identity flow.
func (m *Manager) CreateAlias(ctx context.Context, alias string) error {
	if strings.TrimSpace(alias) == "" {
		return ErrInvalidAppUserID
	}

	current := m.CurrentAppUserID()
	if err := m.client.CreateAlias(ctx, current, alias); err != nil {
		return err
	}

	m.switchIdentity(ctx, current, alias)
	return nil
}

func (m *Manager) switchIdentity(ctx context.Context, oldAppUserID, newAppUserID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.deviceCache.ClearCachesForNewUser(ctx, oldAppUserID, newAppUserID); err != nil {
		m.log.Warn("Failed to migrate caches to new app user id", zap.Error(err))
	}
	m.subscribers.InvalidateLastSentState()
	m.appUserID = newAppUserID
}

func generateAnonymousID() string {
	return anonymousIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
