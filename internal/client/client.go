// Package client talks to the direct message HTTP API and live endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dm-service/internal/models"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dm api: %d %s", e.Status, e.Message)
}

// Retryable reports whether the failure was a transient store or upload
// problem on the server side.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway ||
		e.Status == http.StatusTooManyRequests
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 15s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Page is one slice of a conversation.
type Page struct {
	Messages   []models.Message
	NextBefore *models.Cursor
}

// ListPartners returns the users the caller can message.
func (c *Client) ListPartners(ctx context.Context) ([]models.UserSummary, error) {
	var users []models.UserSummary
	if err := c.do(ctx, http.MethodGet, "/api/messages/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListMessages fetches up to limit messages with peerID older than before.
// A zero limit fetches the whole conversation.
func (c *Client) ListMessages(ctx context.Context, peerID int64, limit int, before *models.Cursor) (Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", before.Encode())
	}
	path := "/api/messages/" + strconv.FormatInt(peerID, 10)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Messages   []models.Message `json:"messages"`
		NextBefore string           `json:"next_before"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Page{}, err
	}
	page := Page{Messages: resp.Messages}
	if resp.NextBefore != "" {
		cur, err := models.ParseCursor(resp.NextBefore)
		if err != nil {
			return Page{}, fmt.Errorf("dm api: bad next_before: %w", err)
		}
		page.NextBefore = &cur
	}
	return page, nil
}

// FetchConversation returns the full history with peerID.
func (c *Client) FetchConversation(ctx context.Context, peerID int64) ([]models.Message, error) {
	page, err := c.ListMessages(ctx, peerID, 0, nil)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// Send posts a message to peerID. image, when non-empty, is sent base64
// encoded alongside the text.
func (c *Client) Send(ctx context.Context, peerID int64, text *string, image []byte) (models.Message, error) {
	body := map[string]string{}
	if text != nil {
		body["message"] = *text
	}
	if len(image) > 0 {
		body["image"] = base64.StdEncoding.EncodeToString(image)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages/send/"+strconv.FormatInt(peerID, 10), payload, &msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsRetryable reports whether err is an APIError worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
