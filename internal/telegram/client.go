// Package telegram is the I/O boundary to the Telegram Bot API used as an
// append-only note log. It fetches and sends; it does not interpret messages.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL        = "https://api.telegram.org"
	DefaultRequestTimeout = 30 * time.Second
)

type Credentials struct {
	// HistoryToken reads the history tail; ActionToken polls and sends.
	HistoryToken string
	ActionToken  string
	ChatID       string
}

type ClientOptions struct {
	BaseURL        string
	Credentials    Credentials
	ParseMode      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

type Client struct {
	baseURL        string
	parseMode      string
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger

	mu    sync.RWMutex
	creds Credentials
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		parseMode:      strings.TrimSpace(opts.ParseMode),
		requestTimeout: timeout,
		httpClient:     httpClient,
		logger:         logger,
		creds:          trimCredentials(opts.Credentials),
	}
}

// SetCredentials swaps tokens and chat for subsequent calls.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = trimCredentials(creds)
}

func (c *Client) credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func trimCredentials(creds Credentials) Credentials {
	return Credentials{
		HistoryToken: strings.TrimSpace(creds.HistoryToken),
		ActionToken:  strings.TrimSpace(creds.ActionToken),
		ChatID:       strings.TrimSpace(creds.ChatID),
	}
}

// ClampLimit bounds a page size to [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// FetchHistory returns up to limit of the most recent updates using a negative
// offset counted from the end of the queue.
func (c *Client) FetchHistory(ctx context.Context, limit int) ([]Update, error) {
	limit = ClampLimit(limit)
	creds := c.credentials()
	token := creds.HistoryToken
	if token == "" {
		token = creds.ActionToken
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(-limit))
	q.Set("timeout", "0")
	var out []Update
	err := c.call(ctx, token, "getUpdates", q, nil, 0, &out)
	return out, err
}

// FetchSince returns updates after the given update id, or all pending ones
// when after is nil. A positive timeout turns the call into a long poll.
func (c *Client) FetchSince(ctx context.Context, after *int64, limit int, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(ClampLimit(limit)))
	seconds := int(timeout / time.Second)
	if seconds > 0 {
		q.Set("timeout", strconv.Itoa(seconds))
	}
	if after != nil {
		q.Set("offset", strconv.FormatInt(*after+1, 10))
	}
	var out []Update
	err := c.call(ctx, c.credentials().ActionToken, "getUpdates", q, nil, time.Duration(seconds)*time.Second, &out)
	return out, err
}

// Append sends text to the configured chat and returns the new message id.
func (c *Client) Append(ctx context.Context, text string) (int64, error) {
	creds := c.credentials()
	body := sendMessageRequest{
		ChatID:                creds.ChatID,
		Text:                  text,
		ParseMode:             c.parseMode,
		DisableWebPagePreview: true,
	}
	var out Message
	if err := c.call(ctx, creds.ActionToken, "sendMessage", nil, body, 0, &out); err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

func (c *Client) call(ctx context.Context, token, method string, query url.Values, body any, extra time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout+extra)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpMethod := http.MethodGet
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		httpMethod = http.MethodPost
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("telegram request", zap.String("method", method), zap.String("query", query.Encode()))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: redact(err, token)}
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &TransportError{Method: method, Err: readErr}
	}

	var envelope apiResponse
	decodeErr := json.Unmarshal(payloadBytes, &envelope)
	if decodeErr == nil && !envelope.OK && (envelope.Description != "" || envelope.ErrorCode != 0) {
		apiErr := &APIError{
			Method:      method,
			ErrorCode:   envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}
	if decodeErr != nil {
		return &DecodeError{Method: method, Err: decodeErr}
	}
	if !envelope.OK {
		return &APIError{Method: method, Description: strings.TrimSpace(string(payloadBytes))}
	}
	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return &DecodeError{Method: method, Err: errors.New("missing result")}
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	return nil
}

// redact keeps bot tokens out of error strings; url.Error embeds the full URL.
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{
			Op:  urlErr.Op,
			URL: strings.ReplaceAll(urlErr.URL, token, "<token>"),
			Err: urlErr.Err,
		}
	}
	return err
}
