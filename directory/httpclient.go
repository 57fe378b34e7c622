package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/rondo/helpers"
	"github.com/migadu/rondo/logger"
	"github.com/migadu/rondo/pkg/metrics"
	"github.com/migadu/rondo/pkg/retry"
)

const defaultPageSize = 500

// HTTPClientOptions holds configuration options for the directory HTTP client
type HTTPClientOptions struct {
	BaseURL        string
	AuthToken      string
	RequestTimeout time.Duration
	PageSize       int
	MaxRetries     int           // transient retry budget for read operations
	RetryInterval  time.Duration // initial backoff interval
}

// HTTPClient implements Client against the directory's JSON admin API.
//
// Read operations (ListAccounts, GetAccount) spend a transient retry budget
// before giving up; exhausting it on a listing surfaces as ErrUnavailable.
// Write operations (SetAccountStatus, DeleteAccount) are attempted exactly
// once and classified transient/permanent — the bulk executor and the purge
// queue own their retry cycles, and the facade must not stack a second
// retry loop under them.
type HTTPClient struct {
	baseURL       string
	authToken     string
	pageSize      int
	client        *http.Client
	backoffConfig retry.BackoffConfig
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a directory client for the given admin API endpoint.
func NewHTTPClient(options HTTPClientOptions) (*HTTPClient, error) {
	if options.BaseURL == "" {
		return nil, fmt.Errorf("directory base URL is required")
	}
	if _, err := url.Parse(options.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid directory base URL: %w", err)
	}

	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := options.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &HTTPClient{
		baseURL:   strings.TrimRight(options.BaseURL, "/"),
		authToken: options.AuthToken,
		pageSize:  pageSize,
		client:    &http.Client{Timeout: timeout},
		backoffConfig: retry.BackoffConfig{
			InitialInterval: interval,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			Jitter:          true,
			MaxRetries:      options.MaxRetries,
		},
	}, nil
}

type listAccountsResponse struct {
	Accounts []AccountSnapshot `json:"accounts"`
	Total    int               `json:"total"`
}

// ListAccounts pages through the directory's full account listing.
func (c *HTTPClient) ListAccounts(ctx context.Context) ([]AccountSnapshot, error) {
	var all []AccountSnapshot
	offset := 0

	for {
		var page listAccountsResponse
		path := fmt.Sprintf("/accounts?limit=%d&offset=%d", c.pageSize, offset)
		if err := c.getWithRetry(ctx, "list_accounts", path, &page); err != nil {
			return nil, err
		}

		for i := range page.Accounts {
			normalizeSnapshot(&page.Accounts[i])
		}
		all = append(all, page.Accounts...)

		// A short or empty page ends the listing, as does reaching the
		// reported total. The total check also stops a directory that
		// ignores the offset parameter from feeding us the same page
		// forever.
		if len(page.Accounts) == 0 || len(page.Accounts) < c.pageSize {
			return all, nil
		}
		offset += len(page.Accounts)
		if offset >= page.Total {
			return all, nil
		}
	}
}

// GetAccount fetches a single account snapshot.
func (c *HTTPClient) GetAccount(ctx context.Context, id string) (*AccountSnapshot, error) {
	var snap AccountSnapshot
	path := "/accounts/" + url.PathEscape(id)
	if err := c.getWithRetry(ctx, "get_account", path, &snap); err != nil {
		return nil, err
	}
	normalizeSnapshot(&snap)
	return &snap, nil
}

// SetAccountStatus changes an account's status in the directory.
func (c *HTTPClient) SetAccountStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return &RemoteError{Op: "set_status", AccountID: id, Reason: fmt.Sprintf("invalid status %q", status), Transient: false}
	}
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return fmt.Errorf("failed to encode status change: %w", err)
	}
	path := "/accounts/" + url.PathEscape(id) + "/status"
	return c.write(ctx, "set_status", http.MethodPut, path, id, body)
}

// DeleteAccount permanently removes the account from the directory.
func (c *HTTPClient) DeleteAccount(ctx context.Context, id string) error {
	path := "/accounts/" + url.PathEscape(id)
	return c.write(ctx, "delete", http.MethodDelete, path, id, nil)
}

// getWithRetry runs a GET with the transient retry budget and decodes the
// JSON response into out. Budget exhaustion maps to ErrUnavailable.
func (c *HTTPClient) getWithRetry(ctx context.Context, op, path string, out any) error {
	err := retry.WithRetry(ctx, func() error {
		status, body, reqErr := c.do(ctx, op, http.MethodGet, path, nil)
		if reqErr != nil {
			return reqErr // network fault, transient
		}
		switch {
		case status == http.StatusOK:
			if decErr := json.Unmarshal(body, out); decErr != nil {
				return retry.Stop(fmt.Errorf("failed to decode directory response: %w", decErr))
			}
			return nil
		case status == http.StatusNotFound:
			return retry.Stop(ErrNotFound)
		case transientHTTPStatus(status):
			return fmt.Errorf("directory returned status %d", status)
		default:
			return retry.Stop(&RemoteError{Op: op, Reason: fmt.Sprintf("directory returned status %d", status), Transient: false})
		}
	}, c.backoffConfig)

	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	var re *RemoteError
	if errors.As(err, &re) && !re.Transient {
		return re
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Warn("directory unreachable after retries", "operation", op, "error", err)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// write runs a single-attempt mutating request and classifies the outcome.
func (c *HTTPClient) write(ctx context.Context, op, method, path, accountID string, body []byte) error {
	status, respBody, err := c.do(ctx, op, method, path, body)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &RemoteError{Op: op, AccountID: accountID, Reason: err.Error(), Transient: true}
	}

	switch {
	case status == http.StatusOK || status == http.StatusNoContent || status == http.StatusAccepted:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case transientHTTPStatus(status):
		return &RemoteError{Op: op, AccountID: accountID, Reason: remoteReason(status, respBody), Transient: true}
	default:
		return &RemoteError{Op: op, AccountID: accountID, Reason: remoteReason(status, respBody), Transient: false}
	}
}

// do performs one HTTP request and returns status code and body. A non-nil
// error means the request never completed (network fault or cancellation).
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte) (int, []byte, error) {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	metrics.DirectoryRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DirectoryRequestsTotal.WithLabelValues(op, "transient").Inc()
		return 0, nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.DirectoryRequestsTotal.WithLabelValues(op, "transient").Inc()
		return 0, nil, fmt.Errorf("failed to read directory response: %w", err)
	}

	switch {
	case resp.StatusCode < 400:
		metrics.DirectoryRequestsTotal.WithLabelValues(op, "ok").Inc()
	case transientHTTPStatus(resp.StatusCode):
		metrics.DirectoryRequestsTotal.WithLabelValues(op, "transient").Inc()
	default:
		metrics.DirectoryRequestsTotal.WithLabelValues(op, "permanent").Inc()
	}

	return resp.StatusCode, respBody, nil
}

// transientHTTPStatus reports whether the status code is worth retrying.
func transientHTTPStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// remoteReason extracts an error message from a JSON error body, falling
// back to the bare status code.
func remoteReason(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return "status " + strconv.Itoa(status)
}

// normalizeSnapshot folds raw status strings and guarantees a non-nil
// attribute map so downstream diffing never special-cases nil.
func normalizeSnapshot(snap *AccountSnapshot) {
	snap.Status = ParseStatus(string(snap.Status))
	if snap.Attributes == nil {
		snap.Attributes = map[string]string{}
	}
	snap.Email = strings.ToLower(strings.TrimSpace(snap.Email))
	// Remote data ends up in Postgres text columns, which reject NULL bytes.
	snap.DisplayName = helpers.SanitizeUTF8(snap.DisplayName)
	for k, v := range snap.Attributes {
		if clean := helpers.SanitizeUTF8(v); clean != v {
			snap.Attributes[k] = clean
		}
	}
}
