package backend

import "context"

// Transport performs a single HTTP exchange with the backend. It returns
// the status code and raw response body for any response the server
// produced, and an error only when no response was received at all.
//
// Retry and backoff policies, if any, live behind this interface; the
// client never retries.
type Transport interface {
	Perform(ctx context.Context, method, path string, body interface{}, headers map[string]string) (statusCode int, responseBody []byte, err error)
}
