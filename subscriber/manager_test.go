package subscriber

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/purchases-go/backend"
	"github.com/code-payments/purchases-go/cache"
	"github.com/code-payments/purchases-go/dispatch"
	"github.com/code-payments/purchases-go/kv/memory"
	"github.com/code-payments/purchases-go/model"
)

type gatedTransport struct {
	mu       sync.Mutex
	calls    int32
	gate     chan struct{}
	response func() (int, []byte, error)
}

func (t *gatedTransport) Perform(context.Context, string, string, interface{}, map[string]string) (int, []byte, error) {
	atomic.AddInt32(&t.calls, 1)
	if t.gate != nil {
		<-t.gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response()
}

func (t *gatedTransport) callCount() int {
	return int(atomic.LoadInt32(&t.calls))
}

func (t *gatedTransport) respondWith(statusCode int, body []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.response = func() (int, []byte, error) { return statusCode, body, err }
}

func subscriberJSON(t *testing.T, entitlement string) []byte {
	requestDate := time.Now().UTC().Truncate(time.Second)
	expires := requestDate.Add(30 * 24 * time.Hour)
	payload := map[string]interface{}{
		"request_date": requestDate,
		"subscriber": map[string]interface{}{
			"original_app_user_id": "user1",
			"first_seen":           requestDate.Add(-time.Hour),
			"entitlements": map[string]interface{}{
				entitlement: map[string]interface{}{
					"expires_date":       expires,
					"product_identifier": "com.app." + entitlement,
					"store":              "app_store",
					"period_type":        "normal",
				},
			},
			"subscriptions": map[string]interface{}{
				"com.app." + entitlement: map[string]interface{}{},
			},
		},
	}

	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	return encoded
}

type testEnv struct {
	manager    *InfoManager
	transport  *gatedTransport
	cache      *cache.DeviceCache
	dispatcher *dispatch.Dispatcher
	clock      *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	log := zaptest.NewLogger(t)
	clock := &fakeClock{now: time.Now()}

	transport := &gatedTransport{}
	transport.respondWith(http.StatusOK, subscriberJSON(t, "pro"), nil)

	deviceCache := cache.NewDeviceCache(
		log,
		memory.NewInMemory(),
		cache.WithTTLs(5*time.Minute, 24*time.Hour),
		cache.WithClock(clock.Now),
	)
	dispatcher := dispatch.NewDispatcher(log)
	t.Cleanup(dispatcher.Shutdown)

	manager := NewInfoManager(log, dispatcher, deviceCache, backend.NewClient(log, transport, "test-key"))
	manager.SetCurrentIdentityProvider(func() string { return "user1" })

	return &testEnv{
		manager:    manager,
		transport:  transport,
		cache:      deviceCache,
		dispatcher: dispatcher,
		clock:      clock,
	}
}

func fetchSync(t *testing.T, env *testEnv, appUserID string) (*model.SubscriberState, error) {
	type outcome struct {
		state *model.SubscriberState
		err   error
	}
	done := make(chan outcome, 1)
	env.manager.FetchIfStale(context.Background(), appUserID, false, func(state *model.SubscriberState, err error) {
		done <- outcome{state, err}
	})

	select {
	case result := <-done:
		return result.state, result.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil, nil
	}
}

func TestInfoManager_ColdFetch(t *testing.T) {
	env := newTestEnv(t)

	state, err := fetchSync(t, env, "user1")
	require.NoError(t, err)
	require.True(t, state.HasEntitlement("pro"))
	require.Equal(t, 1, env.transport.callCount())

	// The cache now holds the snapshot with a fresh timestamp.
	cached := env.manager.CachedSubscriberState(context.Background(), "user1")
	require.True(t, state.Equal(cached))
	require.False(t, env.cache.IsSubscriberStateStale(context.Background(), "user1", false))
}

func TestInfoManager_FreshCacheSkipsNetwork(t *testing.T) {
	env := newTestEnv(t)

	_, err := fetchSync(t, env, "user1")
	require.NoError(t, err)
	require.Equal(t, 1, env.transport.callCount())

	// A fresh cache completes synchronously on the calling goroutine.
	var completedInline bool
	env.manager.FetchIfStale(context.Background(), "user1", false, func(state *model.SubscriberState, err error) {
		require.NoError(t, err)
		completedInline = true
	})
	require.True(t, completedInline)
	require.Equal(t, 1, env.transport.callCount())
}

func TestInfoManager_DedupExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.transport.gate = make(chan struct{})
	env.transport.respondWith(0, nil, errors.New("offline"))

	const concurrent = 10
	var wg sync.WaitGroup
	var failures int32

	wg.Add(concurrent)
	for i := 0; i < concurrent; i++ {
		env.manager.FetchAndCache(context.Background(), "user1", false, func(state *model.SubscriberState, err error) {
			if err != nil && state == nil {
				atomic.AddInt32(&failures, 1)
			}
			wg.Done()
		})
	}

	close(env.transport.gate)
	wg.Wait()

	require.Equal(t, 1, env.transport.callCount())
	require.Equal(t, int32(concurrent), atomic.LoadInt32(&failures))
}

func TestInfoManager_StaleServedOnError(t *testing.T) {
	env := newTestEnv(t)

	s1, err := fetchSync(t, env, "user1")
	require.NoError(t, err)

	// Expire the foreground TTL, then take the backend offline.
	env.clock.Advance(10 * time.Minute)
	env.transport.respondWith(0, nil, errors.New("offline"))

	_, err = fetchSync(t, env, "user1")
	require.Error(t, err)

	var netErr *backend.NetworkError
	require.ErrorAs(t, err, &netErr)

	// The failed fetch did not clobber the previously-good snapshot.
	cached := env.manager.CachedSubscriberState(context.Background(), "user1")
	require.True(t, s1.Equal(cached))
	require.True(t, env.cache.IsSubscriberStateStale(context.Background(), "user1", false))
}

func TestInfoManager_PostReceipt(t *testing.T) {
	env := newTestEnv(t)

	var notified int32
	env.manager.AddListener(ListenerFunc(func(state *model.SubscriberState) {
		atomic.AddInt32(&notified, 1)
	}))

	type outcome struct {
		state *model.SubscriberState
		err   error
	}
	done := make(chan outcome, 1)
	env.manager.PostReceipt(context.Background(), ReceiptPost{
		ReceiptData: []byte("receipt-bytes"),
		AppUserID:   "user1",
		ProductInfo: &model.ProductInfo{ProductID: "com.app.pro"},
	}, func(state *model.SubscriberState, err error) {
		done <- outcome{state, err}
	})

	result := <-done
	require.NoError(t, result.err)
	require.True(t, result.state.HasEntitlement("pro"))

	cached := env.manager.CachedSubscriberState(context.Background(), "user1")
	require.True(t, result.state.Equal(cached))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&notified) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInfoManager_PostReceiptMissingData(t *testing.T) {
	env := newTestEnv(t)

	done := make(chan error, 1)
	env.manager.PostReceipt(context.Background(), ReceiptPost{AppUserID: "user1"}, func(_ *model.SubscriberState, err error) {
		done <- err
	})

	require.ErrorIs(t, <-done, ErrMissingReceipt)
	require.Equal(t, 0, env.transport.callCount())
}

func TestInfoManager_ListenerChangeSuppression(t *testing.T) {
	env := newTestEnv(t)

	var notifications int32
	env.manager.AddListener(ListenerFunc(func(*model.SubscriberState) {
		atomic.AddInt32(&notifications, 1)
	}))

	_, err := fetchSync(t, env, "user1")
	require.NoError(t, err)

	// An identical refetch is suppressed.
	env.clock.Advance(10 * time.Minute)
	_, err = fetchSync(t, env, "user1")
	require.NoError(t, err)

	// A different state notifies again.
	env.clock.Advance(10 * time.Minute)
	env.transport.respondWith(http.StatusOK, subscriberJSON(t, "plus"), nil)
	_, err = fetchSync(t, env, "user1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&notifications) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), atomic.LoadInt32(&notifications))
}

type recordingListener struct {
	mu       sync.Mutex
	states   []*model.SubscriberState
	failures []error
}

func (l *recordingListener) OnSubscriberStateChanged(state *model.SubscriberState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) OnFailedToUpdateSubscriberState(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) counts() (states, failures int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states), len(l.failures)
}

func TestInfoManager_FailedRefreshNotifiesListeners(t *testing.T) {
	env := newTestEnv(t)

	listener := &recordingListener{}
	env.manager.AddListener(listener)

	env.transport.respondWith(0, nil, errors.New("offline"))
	_, err := fetchSync(t, env, "user1")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		_, failures := listener.counts()
		return failures == 1
	}, 5*time.Second, 10*time.Millisecond)

	states, _ := listener.counts()
	require.Zero(t, states)

	// A successful refetch still delivers the state update.
	env.transport.respondWith(http.StatusOK, subscriberJSON(t, "pro"), nil)
	_, err = fetchSync(t, env, "user1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		states, failures := listener.counts()
		return states == 1 && failures == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInfoManager_StaleWriteBackNotSurfaced(t *testing.T) {
	env := newTestEnv(t)

	// The active identity moved on while the fetch was in flight.
	env.manager.SetCurrentIdentityProvider(func() string { return "user2" })

	var notifications int32
	env.manager.AddListener(ListenerFunc(func(*model.SubscriberState) {
		atomic.AddInt32(&notifications, 1)
	}))

	_, err := fetchSync(t, env, "user1")
	require.NoError(t, err)

	// The write-back landed in user1's slot but no update was surfaced.
	require.NotNil(t, env.manager.CachedSubscriberState(context.Background(), "user1"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&notifications))
}
