package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/code-payments/purchases-go/backend"
)

const defaultBaseURL = "https://api.purchases.codeinfra.net"

// Transport performs backend requests over plain HTTPS. One request, one
// response; no retries.
type Transport struct {
	httpClient *http.Client
	baseURL    string
}

func NewTransport(baseURL ...string) backend.Transport {
	url := defaultBaseURL
	if len(baseURL) > 0 {
		url = strings.TrimSuffix(baseURL[0], "/")
	}
	return &Transport{
		httpClient: http.DefaultClient,
		baseURL:    url,
	}
}

func (t *Transport) Perform(ctx context.Context, method, path string, body interface{}, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, t.baseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to create request")
	}
	req = req.WithContext(ctx)

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to read response body")
	}

	return resp.StatusCode, responseBody, nil
}
