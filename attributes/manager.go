package attributes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/model"
)

// Manager accumulates subscriber attributes locally and pushes the
// unsynced set to the backend when asked.
type Manager struct {
	log         *zap.Logger
	deviceCache *cache.DeviceCache
	client      *backend.Client
	now         func() time.Time
}

type Option func(*Manager)

// WithClock overrides the attribute set-time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(log *zap.Logger, deviceCache *cache.DeviceCache, client *backend.Client, opts ...Option) *Manager {
	m := &Manager{
		log:         log,
		deviceCache: deviceCache,
		client:      client,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetAttributes records the given key/value pairs for appUserID. Setting
// a key to its already-synced value is a no-op, so callers can set the
// same attributes on every launch without triggering resyncs.
func (m *Manager) SetAttributes(ctx context.Context, appUserID string, attributes map[string]string) error {
	updated := make(model.SubscriberAttributeDict)
	for key, value := range attributes {
		if existing, ok := m.deviceCache.Attribute(ctx, appUserID, key); ok {
			if existing.Value == value && existing.IsSynced {
				continue
			}
		}
		updated[key] = model.SubscriberAttribute{
			Key:     key,
			Value:   value,
			SetTime: m.now(),
		}
	}

	if len(updated) == 0 {
		return nil
	}
	return m.deviceCache.StoreAttributes(ctx, appUserID, updated)
}

// UnsyncedAttributes returns the attributes for appUserID the backend
// hasn't acknowledged yet.
func (m *Manager) UnsyncedAttributes(ctx context.Context, appUserID string) (model.SubscriberAttributeDict, error) {
	return m.deviceCache.UnsyncedAttributes(ctx, appUserID)
}

// SyncAttributes pushes the unsynced attributes for appUserID to the
// backend. Attributes are marked synced on success, and also on a
// backend rejection the server has definitively consumed (any 4xx except
// 404), so a permanently invalid attribute can't wedge the sync queue.
func (m *Manager) SyncAttributes(ctx context.Context, appUserID string) error {
	unsynced, err := m.deviceCache.UnsyncedAttributes(ctx, appUserID)
	if err != nil {
		return err
	}
	if len(unsynced) == 0 {
		m.log.Debug("No unsynced subscriber attributes")
		return nil
	}

	postErr := m.client.PostSubscriberAttributes(ctx, appUserID, unsynced)
	if err := m.MarkSyncedIfConsumed(ctx, appUserID, unsynced, postErr); err != nil {
		return err
	}
	return postErr
}

// MarkSyncedIfConsumed marks attributes synced when the backend consumed
// them: a successful post, or a rejection that will fail identically on
// every retry (any 4xx except 404). Receipt posts carry unsynced
// attributes along, so this is also invoked with receipt post outcomes.
func (m *Manager) MarkSyncedIfConsumed(ctx context.Context, appUserID string, attributes model.SubscriberAttributeDict, postErr error) error {
	if len(attributes) == 0 {
		return nil
	}

	if postErr != nil {
		var backendErr *backend.Error
		if !errors.As(postErr, &backendErr) ||
			!backendErr.Finishable() ||
			backendErr.StatusCode == http.StatusNotFound {
			return nil
		}

		m.log.Warn("Subscriber attributes rejected by backend, marking synced",
			zap.String("app_user_id", appUserID),
			zap.Int("status_code", backendErr.StatusCode),
			zap.Int("code", backendErr.Code),
		)
	}

	return m.markSynced(ctx, appUserID, attributes)
}

// SyncUnsyncedAttributes is the identity-switch hook: it flushes the
// old user's attributes on a best-effort basis and cleans up their
// local copies once everything is acknowledged.
func (m *Manager) SyncUnsyncedAttributes(ctx context.Context, appUserID string) {
	if err := m.SyncAttributes(ctx, appUserID); err != nil {
		m.log.Warn("Failed to sync subscriber attributes",
			zap.String("app_user_id", appUserID),
			zap.Error(err),
		)
		return
	}

	if err := m.deviceCache.DeleteAttributesIfSynced(ctx, appUserID); err != nil {
		m.log.Warn("Failed to clean up synced subscriber attributes", zap.Error(err))
	}
}

func (m *Manager) markSynced(ctx context.Context, appUserID string, attributes model.SubscriberAttributeDict) error {
	synced := make(model.SubscriberAttributeDict, len(attributes))
	for key, attr := range attributes {
		attr.IsSynced = true
		synced[key] = attr
	}
	return m.deviceCache.StoreAttributes(ctx, appUserID, synced)
}
