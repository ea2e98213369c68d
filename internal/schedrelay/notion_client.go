package schedrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Source database property names. The calendar database is expected to
// expose these exact columns.
const (
	sourceDateProperty   = "Date"
	sourceStatusProperty = "Status"
	sourceStatusUpcoming = "Upcoming"
	sourceQueryPageSize  = 100
)

// SourceAPIError is a non-2xx response from the source database API.
type SourceAPIError struct {
	Status  int
	Code    string
	Message string
}

func (e *SourceAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("source fetch failed: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("source fetch failed: status=%d message=%s", e.Status, e.Message)
}

// IsSourceNotFound reports whether err is the well-known "database not
// found / not shared with the integration" failure signature.
func IsSourceNotFound(err error) bool {
	var apiErr *SourceAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "object_not_found" || apiErr.Status == http.StatusNotFound
}

// RelationRef is one cross-reference link held by a relation property.
type RelationRef struct {
	ID string `json:"id"`
}

type RichText struct {
	PlainText string `json:"plain_text"`
}

type SelectValue struct {
	Name string `json:"name"`
}

type DateValue struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// PageProperty is one typed property of a raw source page. Only the
// variants the pipeline consumes are decoded.
type PageProperty struct {
	Type     string        `json:"type"`
	Title    []RichText    `json:"title,omitempty"`
	RichText []RichText    `json:"rich_text,omitempty"`
	Select   *SelectValue  `json:"select,omitempty"`
	Date     *DateValue    `json:"date,omitempty"`
	URL      string        `json:"url,omitempty"`
	Relation []RelationRef `json:"relation,omitempty"`
}

// Page is one raw record from the source database.
type Page struct {
	ID         string                  `json:"id"`
	Properties map[string]PageProperty `json:"properties"`
}

type queryResponse struct {
	Results []Page `json:"results"`
}

// SourceClient is the read surface of the source database the pipeline
// needs: one bounded window query, one get-by-id for reference resolution.
type SourceClient interface {
	QueryCalendar(ctx context.Context, databaseID string, window Window) ([]Page, error)
	GetPage(ctx context.Context, pageID string) (Page, error)
}

type SourceTokenProvider func(ctx context.Context) (string, error)

type SourceHTTPClientOptions struct {
	BaseURL       string
	TokenProvider SourceTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

type HTTPSourceClient struct {
	baseURL       string
	tokenProvider SourceTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPSourceClient(opts SourceHTTPClientOptions) *HTTPSourceClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPSourceClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPSourceClient) QueryCalendar(ctx context.Context, databaseID string, window Window) ([]Page, error) {
	if strings.TrimSpace(databaseID) == "" {
		return nil, fmt.Errorf("%w: database id is empty", ErrInvalidInput)
	}
	body := map[string]any{
		"page_size": sourceQueryPageSize,
		"filter": map[string]any{
			"and": []map[string]any{
				{
					"property": sourceStatusProperty,
					"select":   map[string]any{"equals": sourceStatusUpcoming},
				},
				{
					"property": sourceDateProperty,
					"date":     map[string]any{"on_or_after": window.Start.Format("2006-01-02")},
				},
				{
					"property": sourceDateProperty,
					"date":     map[string]any{"before": window.End.Format("2006-01-02")},
				},
			},
		},
		"sorts": []map[string]any{
			{"property": sourceDateProperty, "direction": "ascending"},
		},
	}
	respBody, err := c.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body)
	if err != nil {
		return nil, err
	}
	var parsed queryResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, err
	}
	return parsed.Results, nil
}

func (c *HTTPSourceClient) GetPage(ctx context.Context, pageID string) (Page, error) {
	if strings.TrimSpace(pageID) == "" {
		return Page{}, fmt.Errorf("%w: page id is empty", ErrInvalidInput)
	}
	respBody, err := c.do(ctx, http.MethodGet, "/v1/pages/"+pageID, nil)
	if err != nil {
		return Page{}, err
	}
	var page Page
	if err := json.Unmarshal(respBody, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

func (c *HTTPSourceClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("source http client is nil")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return nil, fmt.Errorf("source token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("source token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, retryDelay(c.baseDelay, c.maxDelay, attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, retryDelay(c.baseDelay, c.maxDelay, attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return nil, parseSourceError(resp.StatusCode, respBody)
	}
}

func parseSourceError(status int, respBody []byte) *SourceAPIError {
	apiErr := &SourceAPIError{
		Status:  status,
		Message: strings.TrimSpace(string(respBody)),
	}
	var parsed map[string]any
	if json.Unmarshal(respBody, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			apiErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			apiErr.Message = message
		}
	}
	return apiErr
}

func retryDelay(baseDelay, maxDelay time.Duration, attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
