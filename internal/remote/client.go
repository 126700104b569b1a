package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/credential"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/store"
)

const (
	maxErrorBody = 512

	// DefaultMaxResponseBytes bounds a response body. A full thread is the
	// largest thing the API returns.
	DefaultMaxResponseBytes = 8 << 20
)

// Client talks to the marketplace messaging REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens credential.Source
	logger *zap.Logger

	// maxBody caps how much of a response is read.
	maxBody int64
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// WithMaxResponseBytes caps response bodies; larger ones fail with
// ErrResponseTooLarge.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New returns a client for the API rooted at baseURL, e.g.
// "https://market.example/api".
func New(baseURL string, tokens credential.Source, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: 10 * time.Second},
		tokens:  tokens,
		logger:  zap.NewNop(),
		maxBody: DefaultMaxResponseBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ConversationPage is one GET /conversations result.
type ConversationPage struct {
	Items []store.Conversation
	// Complete is false when the server reported more pages.
	Complete bool
}

func (c *Client) ListConversations(ctx context.Context) (ConversationPage, error) {
	body, err := c.do(ctx, http.MethodGet, "/conversations", nil)
	if err != nil {
		return ConversationPage{}, err
	}
	dtos, complete, err := decodeConversations(body)
	if err != nil {
		return ConversationPage{}, err
	}
	page := ConversationPage{Items: make([]store.Conversation, 0, len(dtos)), Complete: complete}
	for _, d := range dtos {
		if d.ConversationID == "" {
			c.logger.Warn("conversation without id in list response")
			continue
		}
		page.Items = append(page.Items, d.toStore())
	}
	return page, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return store.Conversation{}, err
	}
	var d conversationDTO
	if err := json.Unmarshal(body, &d); err != nil {
		return store.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	if d.ConversationID == "" {
		d.ConversationID = id
	}
	return d.toStore(), nil
}

func (c *Client) ListMessages(ctx context.Context, id string) ([]store.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	dtos, err := decodeMessages(body)
	if err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(dtos))
	for _, d := range dtos {
		if d.MessageID == "" {
			c.logger.Warn("message without id", zap.String("conversation_id", id))
			continue
		}
		msgs = append(msgs, d.toStore(id))
	}
	return msgs, nil
}

// SendMessage posts text and returns the server's canonical message.
func (c *Client) SendMessage(ctx context.Context, id, text string) (store.Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/messages", sendRequest{Text: text})
	if err != nil {
		return store.Message{}, err
	}
	var d messageDTO
	if err := json.Unmarshal(body, &d); err != nil {
		return store.Message{}, fmt.Errorf("decode sent message: %w", err)
	}
	if d.MessageID == "" {
		return store.Message{}, fmt.Errorf("decode sent message: missing messageId")
	}
	m := d.toStore(id)
	if !m.State.Confirmed() {
		m.State = store.Sent
	}
	return m, nil
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/read", nil)
	return err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "/conversations/unread-count", nil)
	if err != nil {
		return 0, err
	}
	return decodeCount(body)
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (store.Conversation, error) {
	body, err := c.do(ctx, http.MethodPost, "/conversations", req)
	if err != nil {
		return store.Conversation{}, err
	}
	var d conversationDTO
	if err := json.Unmarshal(body, &d); err != nil {
		return store.Conversation{}, fmt.Errorf("decode created conversation: %w", err)
	}
	if d.ConversationID == "" {
		return store.Conversation{}, fmt.Errorf("decode created conversation: missing conversationId")
	}
	return d.toStore(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%s %s: %w (over %d bytes)", method, path, ErrResponseTooLarge, c.maxBody)
	}
	c.logger.Debug("api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := strings.TrimSpace(string(data))
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: body}
	}
	return data, nil
}

// PushURL builds the per-conversation push endpoint. wsBase is the websocket
// root, e.g. "wss://market.example/ws".
func PushURL(wsBase, conversationID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(wsBase, "/"))
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("ws url %q: scheme must be ws or wss", wsBase)
	}
	u = u.JoinPath("conversations", conversationID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
