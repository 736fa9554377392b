package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL           = "https://api.notion.com"
	defaultAPIVersion        = "2022-06-28"
	defaultRequestsPerSecond = 3
	defaultPageSize          = 100
	maxLoggedBodyBytes       = 2048
)

var (
	// ErrSourceUnavailable marks non-2xx responses and transport failures.
	ErrSourceUnavailable = errors.New("notion: source unavailable")
	errMissingCredential = errors.New("notion: credential is required")
	errMissingIdentifier = errors.New("notion: identifier is required")
)

// StatusError describes a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrSourceUnavailable
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL           string
	APIVersion        string
	UserAgent         string
	HTTPClient        *http.Client
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// Client talks to the Notion REST API on behalf of many integrations; the
// credential is supplied per call.
type Client struct {
	baseURL    string
	apiVersion string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient constructs a Client with defaults applied.
func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	requestsPerSecond := opts.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
	}
}

type timestampFilter struct {
	Timestamp      string          `json:"timestamp"`
	LastEditedTime *afterCondition `json:"last_edited_time,omitempty"`
}

type afterCondition struct {
	After string `json:"after"`
}

type timestampSort struct {
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction"`
}

type queryRequest struct {
	Filter      *timestampFilter `json:"filter,omitempty"`
	Sorts       []timestampSort  `json:"sorts,omitempty"`
	StartCursor string           `json:"start_cursor,omitempty"`
	PageSize    int              `json:"page_size,omitempty"`
}

type queryResponse struct {
	Results    []Record `json:"results"`
	HasMore    bool     `json:"has_more"`
	NextCursor *string  `json:"next_cursor"`
}

// QueryUpdatedRecords returns every record of the collection whose last edit
// is strictly after the provided timestamp, newest first. On failure the
// returned slice is empty and the error wraps ErrSourceUnavailable.
func (c *Client) QueryUpdatedRecords(ctx context.Context, credential, collectionID, after string) ([]Record, error) {
	request := queryRequest{
		Filter: &timestampFilter{
			Timestamp:      "last_edited_time",
			LastEditedTime: &afterCondition{After: after},
		},
		Sorts: []timestampSort{{Timestamp: "last_edited_time", Direction: "descending"}},
	}

	records := make([]Record, 0)
	for record, err := range c.query(ctx, credential, collectionID, request) {
		if err != nil {
			return []Record{}, err
		}
		records = append(records, record)
	}
	return records, nil
}

// QueryAllRecords lazily pages through the whole collection.
func (c *Client) QueryAllRecords(ctx context.Context, credential, collectionID string) iter.Seq2[Record, error] {
	return c.query(ctx, credential, collectionID, queryRequest{})
}

func (c *Client) query(ctx context.Context, credential, collectionID string, request queryRequest) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if strings.TrimSpace(collectionID) == "" {
			yield(Record{}, errMissingIdentifier)
			return
		}
		path := "/v1/databases/" + url.PathEscape(collectionID) + "/query"
		request.PageSize = defaultPageSize
		request.StartCursor = ""
		for {
			var response queryResponse
			if err := c.do(ctx, http.MethodPost, path, credential, request, &response); err != nil {
				yield(Record{}, err)
				return
			}
			for _, record := range response.Results {
				if !yield(record, nil) {
					return
				}
			}
			if !response.HasMore || response.NextCursor == nil || *response.NextCursor == "" {
				return
			}
			request.StartCursor = *response.NextCursor
		}
	}
}

type schemaResponse struct {
	Properties map[string]schemaProperty `json:"properties"`
}

type schemaProperty struct {
	Type     string          `json:"type"`
	Relation *schemaRelation `json:"relation,omitempty"`
}

type schemaRelation struct {
	DatabaseID string `json:"database_id"`
}

// FetchCollectionSchema returns column name to column type. Relation columns
// are reported as "relation(<related collection id>)".
func (c *Client) FetchCollectionSchema(ctx context.Context, credential, collectionID string) (map[string]string, error) {
	if strings.TrimSpace(collectionID) == "" {
		return nil, errMissingIdentifier
	}
	var response schemaResponse
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(collectionID), credential, nil, &response); err != nil {
		return nil, err
	}
	schema := make(map[string]string, len(response.Properties))
	for name, property := range response.Properties {
		columnType := property.Type
		if property.Type == string(PropertyTypeRelation) && property.Relation != nil && property.Relation.DatabaseID != "" {
			columnType = fmt.Sprintf("relation(%s)", property.Relation.DatabaseID)
		}
		schema[name] = columnType
	}
	return schema, nil
}

// SchemaColumns returns the schema's column names sorted.
func SchemaColumns(schema map[string]string) []string {
	columns := make([]string, 0, len(schema))
	for name := range schema {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns
}

// FetchRecordByID loads a single page. A missing page reports false without error.
func (c *Client) FetchRecordByID(ctx context.Context, credential, recordID string) (Record, bool, error) {
	if strings.TrimSpace(recordID) == "" {
		return Record{}, false, errMissingIdentifier
	}
	var record Record
	err := c.do(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(recordID), credential, nil, &record)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return record, true, nil
}

func (c *Client) do(ctx context.Context, method, path, credential string, payload, target any) error {
	authorization := authorizationHeader(credential)
	if authorization == "" {
		return errMissingCredential
	}

	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	endpoint := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", authorization)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			c.logger.Warn("notion request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if target == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, target); err != nil {
				return fmt.Errorf("%w: decode response: %v", ErrSourceUnavailable, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				statusErr.Code = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				statusErr.Message = message
			}
		}
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn("notion request rejected",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.String("body", truncateBody(respBody)))
		}
		return statusErr
	}
}

func authorizationHeader(credential string) string {
	trimmed := strings.TrimSpace(credential)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "bearer ") {
		return trimmed
	}
	return "Bearer " + trimmed
}

func truncateBody(body []byte) string {
	if len(body) <= maxLoggedBodyBytes {
		return string(body)
	}
	return string(body[:maxLoggedBodyBytes])
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
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
