package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/purchases-go/model"
)

type stubTransport struct {
	statusCode int
	body       []byte
	err        error

	requests []recordedRequest
}

type recordedRequest struct {
	method  string
	path    string
	body    interface{}
	headers map[string]string
}

func (t *stubTransport) Perform(_ context.Context, method, path string, body interface{}, headers map[string]string) (int, []byte, error) {
	t.requests = append(t.requests, recordedRequest{method: method, path: path, body: body, headers: headers})
	if t.err != nil {
		return 0, nil, t.err
	}
	return t.statusCode, t.body, nil
}

func subscriberJSON(t *testing.T, requestDate time.Time) []byte {
	expires := requestDate.Add(30 * 24 * time.Hour)
	payload := map[string]interface{}{
		"request_date": requestDate,
		"subscriber": map[string]interface{}{
			"original_app_user_id": "user1",
			"first_seen":           requestDate.Add(-time.Hour),
			"entitlements": map[string]interface{}{
				"pro": map[string]interface{}{
					"expires_date":       expires,
					"product_identifier": "com.app.pro.monthly",
					"store":              "app_store",
					"period_type":        "normal",
				},
				"lapsed": map[string]interface{}{
					"expires_date":       requestDate.Add(-time.Hour),
					"product_identifier": "com.app.plus.monthly",
					"store":              "app_store",
					"period_type":        "normal",
				},
			},
			"subscriptions": map[string]interface{}{
				"com.app.pro.monthly":  map[string]interface{}{},
				"com.app.plus.monthly": map[string]interface{}{},
			},
			"non_subscriptions": map[string]interface{}{
				"com.app.lifetime": map[string]interface{}{},
			},
		},
	}

	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	return encoded
}

func TestClient_GetSubscriberState(t *testing.T) {
	requestDate := time.Now().UTC().Truncate(time.Second)
	transport := &stubTransport{statusCode: http.StatusOK, body: subscriberJSON(t, requestDate)}
	client := NewClient(zaptest.NewLogger(t), transport, "test-key")

	state, err := client.GetSubscriberState(context.Background(), "user 1")
	require.NoError(t, err)

	require.Equal(t, "user1", state.OriginalAppUserID)
	require.True(t, state.RequestDate.Equal(requestDate))

	// Activity is derived against the server's request date.
	require.True(t, state.HasEntitlement("pro"))
	require.False(t, state.HasEntitlement("lapsed"))
	require.Equal(t,
		[]string{"com.app.lifetime", "com.app.plus.monthly", "com.app.pro.monthly"},
		state.AllPurchasedProductIDs,
	)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	require.Equal(t, http.MethodGet, req.method)
	require.Equal(t, "/v1/subscribers/user%201", req.path)
	require.Equal(t, "Bearer test-key", req.headers["Authorization"])
}

func TestClient_PostReceipt(t *testing.T) {
	requestDate := time.Now().UTC().Truncate(time.Second)
	transport := &stubTransport{statusCode: http.StatusOK, body: subscriberJSON(t, requestDate)}
	client := NewClient(zaptest.NewLogger(t), transport, "test-key")

	state, err := client.PostReceipt(
		context.Background(),
		[]byte("receipt-bytes"),
		"user1",
		false,
		&model.ProductInfo{ProductID: "com.app.pro.monthly"},
		nil,
	)
	require.NoError(t, err)
	require.True(t, state.HasEntitlement("pro"))

	req := transport.requests[0]
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/v1/receipts", req.path)

	requestBody := req.body.(map[string]interface{})
	require.Equal(t, "user1", requestBody["app_user_id"])
	require.Equal(t, false, requestBody["is_restore"])
	require.Equal(t, "com.app.pro.monthly", requestBody["product_id"])
	require.NotEmpty(t, requestBody["fetch_token"])
}

func TestClient_LogInCreatedFlag(t *testing.T) {
	requestDate := time.Now().UTC().Truncate(time.Second)

	transport := &stubTransport{statusCode: http.StatusCreated, body: subscriberJSON(t, requestDate)}
	client := NewClient(zaptest.NewLogger(t), transport, "test-key")

	_, created, err := client.LogIn(context.Background(), "anon1", "user1")
	require.NoError(t, err)
	require.True(t, created)

	transport.statusCode = http.StatusOK
	_, created, err = client.LogIn(context.Background(), "anon1", "user1")
	require.NoError(t, err)
	require.False(t, created)
}

func TestClient_BackendErrorClassification(t *testing.T) {
	transport := &stubTransport{
		statusCode: http.StatusNotFound,
		body:       []byte(`{"code": 7259, "message": "subscriber not found"}`),
	}
	client := NewClient(zaptest.NewLogger(t), transport, "test-key")

	_, err := client.GetSubscriberState(context.Background(), "user1")
	require.Error(t, err)

	var backendErr *Error
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, 7259, backendErr.Code)
	require.Equal(t, http.StatusNotFound, backendErr.StatusCode)
	require.True(t, backendErr.Finishable())

	transport.statusCode = http.StatusInternalServerError
	transport.body = []byte(`not json`)

	_, err = client.GetSubscriberState(context.Background(), "user1")
	require.ErrorAs(t, err, &backendErr)
	require.False(t, backendErr.Finishable())
	require.NotEmpty(t, backendErr.Message)
}

func TestClient_NetworkErrorClassification(t *testing.T) {
	cause := errors.New("connection refused")
	transport := &stubTransport{err: cause}
	client := NewClient(zaptest.NewLogger(t), transport, "test-key")

	_, err := client.GetSubscriberState(context.Background(), "user1")
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.ErrorIs(t, err, cause)
}

func TestClient_UnexpectedResponseClassification(t *testing.T) {
	transport := &stubTransport{statusCode: http.StatusOK, body: []byte(`{"request_date": "2026-01-01T00:00:00Z"}`)}
	client := NewClient(zaptest.NewLogger(t), transport, "test-key")

	_, err := client.GetSubscriberState(context.Background(), "user1")
	require.Error(t, err)

	var unexpectedErr *UnexpectedResponseError
	require.ErrorAs(t, err, &unexpectedErr)
}
