package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/code-payments/purchases-go/model"
)

// Client exposes the backend's subscriber API as typed request/response
// methods over a Transport. It holds no long-lived mutable state;
// de-duplication of concurrent identical calls is the caller's concern.
type Client struct {
	log       *zap.Logger
	transport Transport
	apiKey    string
}

func NewClient(log *zap.Logger, transport Transport, apiKey string) *Client {
	return &Client{
		log:       log,
		transport: transport,
		apiKey:    apiKey,
	}
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}
}

// GetSubscriberState fetches the authoritative subscriber snapshot.
func (c *Client) GetSubscriberState(ctx context.Context, appUserID string) (*model.SubscriberState, error) {
	path := "/v1/subscribers/" + url.PathEscape(appUserID)

	_, body, err := c.perform(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeSubscriberResponse(body)
}

// PostReceipt posts raw receipt bytes for reconciliation. The response
// carries the subscriber's post-purchase state.
func (c *Client) PostReceipt(
	ctx context.Context,
	receiptData []byte,
	appUserID string,
	isRestore bool,
	productInfo *model.ProductInfo,
	attributes model.SubscriberAttributeDict,
) (*model.SubscriberState, error) {
	requestBody := map[string]interface{}{
		"fetch_token": base64.StdEncoding.EncodeToString(receiptData),
		"app_user_id": appUserID,
		"is_restore":  isRestore,
	}
	if productInfo != nil {
		requestBody["product_id"] = productInfo.ProductID
		requestBody["price"] = productInfo.Price.String()
		requestBody["currency"] = productInfo.CurrencyCode
		if productInfo.OfferingID != "" {
			requestBody["presented_offering_identifier"] = productInfo.OfferingID
		}
		if productInfo.SubscriptionPeriod != "" {
			requestBody["subscription_period"] = productInfo.SubscriptionPeriod
		}
		if !productInfo.IntroPrice.Equal(decimal.Zero) {
			requestBody["introductory_price"] = productInfo.IntroPrice.String()
		}
	}
	if len(attributes) > 0 {
		requestBody["attributes"] = attributesToWire(attributes)
	}

	_, body, err := c.perform(ctx, http.MethodPost, "/v1/receipts", requestBody)
	if err != nil {
		return nil, err
	}
	return decodeSubscriberResponse(body)
}

// LogIn identifies the subscriber under newAppUserID, creating it
// server-side if needed. The created flag reports whether the backend
// minted a new subscriber for the id.
func (c *Client) LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (*model.SubscriberState, bool, error) {
	requestBody := map[string]interface{}{
		"app_user_id":     currentAppUserID,
		"new_app_user_id": newAppUserID,
	}

	statusCode, body, err := c.perform(ctx, http.MethodPost, "/v1/subscribers/identify", requestBody)
	if err != nil {
		return nil, false, err
	}

	state, err := decodeSubscriberResponse(body)
	if err != nil {
		return nil, false, err
	}

	created := statusCode == http.StatusCreated
	return state, created, nil
}

// CreateAlias links newAppUserID to appUserID server-side.
func (c *Client) CreateAlias(ctx context.Context, appUserID, newAppUserID string) error {
	path := "/v1/subscribers/" + url.PathEscape(appUserID) + "/alias"
	requestBody := map[string]interface{}{
		"new_app_user_id": newAppUserID,
	}

	_, _, err := c.perform(ctx, http.MethodPost, path, requestBody)
	return err
}

// GetOfferings fetches the current product catalog.
func (c *Client) GetOfferings(ctx context.Context, appUserID string) (*model.Offerings, error) {
	path := "/v1/subscribers/" + url.PathEscape(appUserID) + "/offerings"

	_, body, err := c.perform(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeOfferingsResponse(body)
}

// PostAttribution posts attribution data collected for a network.
func (c *Client) PostAttribution(ctx context.Context, appUserID, network string, data map[string]interface{}) error {
	path := "/v1/subscribers/" + url.PathEscape(appUserID) + "/attribution"
	requestBody := map[string]interface{}{
		"network": network,
		"data":    data,
	}

	_, _, err := c.perform(ctx, http.MethodPost, path, requestBody)
	return err
}

// PostSubscriberAttributes syncs locally-set attributes.
func (c *Client) PostSubscriberAttributes(ctx context.Context, appUserID string, attributes model.SubscriberAttributeDict) error {
	path := "/v1/subscribers/" + url.PathEscape(appUserID) + "/attributes"
	requestBody := map[string]interface{}{
		"attributes": attributesToWire(attributes),
	}

	_, _, err := c.perform(ctx, http.MethodPost, path, requestBody)
	return err
}

func attributesToWire(attributes model.SubscriberAttributeDict) map[string]interface{} {
	wire := make(map[string]interface{}, len(attributes))
	for key, attr := range attributes {
		wire[key] = map[string]interface{}{
			"value":         attr.Value,
			"updated_at_ms": attr.SetTime.UnixMilli(),
		}
	}
	return wire
}

// perform runs one exchange and classifies the outcome: transport failures
// become NetworkError, non-2xx responses become Error.
func (c *Client) perform(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	statusCode, responseBody, err := c.transport.Perform(ctx, method, path, body, c.authHeaders())
	if err != nil {
		c.log.Warn("Request failed in transport",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return 0, nil, &NetworkError{Cause: err}
	}

	if statusCode >= http.StatusMultipleChoices {
		backendErr := decodeErrorResponse(statusCode, responseBody)
		c.log.Warn("Request rejected by backend",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", statusCode),
			zap.Int("backend_code", backendErr.Code),
		)
		return statusCode, nil, backendErr
	}

	return statusCode, responseBody, nil
}

func decodeErrorResponse(statusCode int, body []byte) *Error {
	backendErr := &Error{StatusCode: statusCode}
	if err := json.Unmarshal(body, backendErr); err != nil || backendErr.Message == "" {
		backendErr.Message = fmt.Sprintf("http status %d", statusCode)
	}
	return backendErr
}
