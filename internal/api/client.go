package api

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
	"time"

	"advancechat-sync/internal/model"
)

// ErrUnauthorized is returned for any 401 answer. The session is over and
// the request must not be retried.
var ErrUnauthorized = errors.New("api unauthorized")

const defaultTimeout = 15 * time.Second

// StatusError is a non-2xx answer other than 401.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
}

type SendRequest struct {
	Content  string `json:"content"`
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
}

// Client talks to the chat REST API with the session's bearer token.
type Client struct {
	baseURL string
	token   func() string
	client  *http.Client
}

// NewClient builds a client for baseURL (for example http://host/api).
// token is read before every request so a refreshed credential is picked up.
func NewClient(baseURL string, token func() string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (c *Client) GetConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, listInto(&out, "conversations")); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessages fetches one page of a conversation's history. Page 1 is the
// most recent page.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var out []model.Message
	if err := c.do(ctx, http.MethodGet, path, nil, listInto(&out, "messages")); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (model.Message, error) {
	if req.Type == "" {
		req.Type = "text"
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out model.Message
	if err := c.do(ctx, http.MethodPost, path, req, objectInto(&out, "message")); err != nil {
		return model.Message{}, err
	}
	return out, nil
}

func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// DevToken asks a development backend to issue a token for userID. Real
// deployments issue tokens through their own login flow.
func (c *Client) DevToken(ctx context.Context, userID, name string) (string, error) {
	body := map[string]string{"userId": userID, "name": name}
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/token", body, func(data []byte) error {
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("token response has no token")
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, decode func([]byte) error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if decode == nil {
		return nil
	}
	if err := decode(data); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// listInto accepts a bare array, {"data": [...]} or {"<key>": [...]}.
func listInto[T any](out *[]T, key string) func([]byte) error {
	return func(data []byte) error {
		data = bytes.TrimSpace(data)
		if len(data) > 0 && data[0] == '[' {
			return json.Unmarshal(data, out)
		}
		var env map[string]json.RawMessage
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		for _, k := range []string{"data", key} {
			raw, ok := env[k]
			if !ok {
				continue
			}
			raw = bytes.TrimSpace(raw)
			if len(raw) > 0 && raw[0] == '{' {
				// {"data": {"messages": [...]}}
				return listInto(out, key)(raw)
			}
			return json.Unmarshal(raw, out)
		}
		return fmt.Errorf("no %q list in response", key)
	}
}

// objectInto accepts a bare object or one wrapped in "data" or key.
func objectInto[T any](out *T, key string) func([]byte) error {
	return func(data []byte) error {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		for _, k := range []string{"data", key} {
			if raw, ok := env[k]; ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
				return json.Unmarshal(raw, out)
			}
		}
		return json.Unmarshal(data, out)
	}
}

func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
