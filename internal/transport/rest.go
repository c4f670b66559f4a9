package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/taskchat/internal/chat"
	"github.com/matheus3301/taskchat/internal/metrics"
)

// TokenSource supplies the bearer credential.
type TokenSource interface {
	Token() (string, bool)
}

// Client calls the marketplace REST API. Every response is wrapped in a
// {success, data, message, pagination} envelope. Failures are returned,
// never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      TokenSource
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a REST client rooted at baseURL.
func NewClient(baseURL string, creds TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		creds:      creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiEnvelope struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Pagination *chat.PageInfo  `json:"pagination,omitempty"`
}

// ListConversations fetches the full conversation snapshot.
func (c *Client) ListConversations(ctx context.Context) (convs []chat.Conversation, err error) {
	defer func(start time.Time) { metrics.ObserveRequest("list_conversations", start, err) }(time.Now())

	env, err := c.do(ctx, "list conversations", http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]chat.Conversation]("list conversations", env)
}

// ListMessages fetches one page of a conversation's history.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (p chat.MessagePage, err error) {
	defer func(start time.Time) { metrics.ObserveRequest("list_messages", start, err) }(time.Now())

	if page < 1 {
		return chat.MessagePage{}, &chat.ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	env, err := c.do(ctx, "list messages", http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil)
	if err != nil {
		return chat.MessagePage{}, err
	}
	msgs, err := decodeData[[]chat.Message]("list messages", env)
	if err != nil {
		return chat.MessagePage{}, err
	}

	info := chat.PageInfo{Page: page, Pages: page, Limit: limit}
	if env.Pagination != nil {
		info = *env.Pagination
	}
	return chat.MessagePage{ConversationID: conversationID, Messages: msgs, Info: info}, nil
}

// SendMessage posts a message. Blank bodies are rejected locally.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) (m chat.Message, err error) {
	defer func(start time.Time) { metrics.ObserveRequest("send_message", start, err) }(time.Now())

	if strings.TrimSpace(body) == "" {
		return chat.Message{}, &chat.ValidationError{Field: "body", Reason: "must not be empty"}
	}
	env, err := c.do(ctx, "send message", http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, map[string]string{"body": body})
	if err != nil {
		return chat.Message{}, err
	}
	return decodeData[chat.Message]("send message", env)
}

// MarkRead marks every message in the conversation read. Idempotent.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (err error) {
	defer func(start time.Time) { metrics.ObserveRequest("mark_read", start, err) }(time.Now())

	_, err = c.do(ctx, "mark read", http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// GetOrCreate returns the conversation with peerID for taskID, creating it
// on the server if needed.
func (c *Client) GetOrCreate(ctx context.Context, peerID, taskID string) (conv chat.Conversation, err error) {
	defer func(start time.Time) { metrics.ObserveRequest("get_or_create", start, err) }(time.Now())

	if strings.TrimSpace(peerID) == "" {
		return chat.Conversation{}, &chat.ValidationError{Field: "participant", Reason: "must not be empty"}
	}
	body := map[string]string{"participantId": peerID}
	if taskID != "" {
		body["taskId"] = taskID
	}
	env, err := c.do(ctx, "get or create conversation", http.MethodPost, "/conversations", nil, body)
	if err != nil {
		return chat.Conversation{}, err
	}
	return decodeData[chat.Conversation]("get or create conversation", env)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (*apiEnvelope, error) {
	token, ok := c.creds.Token()
	if !ok {
		return nil, &chat.AuthError{Reason: "no credential"}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &chat.NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &chat.NetworkError{Op: op, Err: err}
	}

	var env apiEnvelope
	decodeErr := json.Unmarshal(data, &env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		reason := env.Message
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, &chat.AuthError{Reason: reason}
	case resp.StatusCode >= 300:
		return nil, &chat.ServerError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	case decodeErr != nil:
		return nil, &chat.ServerError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response"}
	case !env.Success:
		return nil, &chat.ServerError{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	return &env, nil
}

func decodeData[T any](op string, env *apiEnvelope) (T, error) {
	var out T
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, &chat.ServerError{Op: op, StatusCode: http.StatusOK, Message: "malformed data: " + err.Error()}
	}
	return out, nil
}
