// Package erp wraps the read-only ERP HTTP interface. The agent never calls
// a mutating endpoint; every request goes through Get.
package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// TransientError marks failures worth retrying: network errors, timeouts,
// rate limiting and server-side errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks failures that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Client reads from the ERP. Implementations must never mutate ERP state.
type Client interface {
	Get(ctx context.Context, path string, params map[string]string) (json.RawMessage, error)
}

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Get(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return nil, Permanent(err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Permanent(err)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		// Network failures and client timeouts are retryable.
		return nil, Transient(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, Transient(err)
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("erp %s: status %d", path, res.StatusCode))
	case res.StatusCode >= 400:
		return nil, Permanent(fmt.Errorf("erp %s: status %d", path, res.StatusCode))
	}
	if !json.Valid(body) {
		return nil, Permanent(fmt.Errorf("erp %s: invalid json response", path))
	}
	return json.RawMessage(body), nil
}
