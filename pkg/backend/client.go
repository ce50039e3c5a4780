package backend

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

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/logging"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// StatusError is a non-2xx REST response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Routes are path templates relative to the API base URL. {id} is replaced
// with the escaped conversation id.
type Routes struct {
	History string `yaml:"history"`
	Create  string `yaml:"create"`
	Inbox   string `yaml:"inbox"`
	Live    string `yaml:"live"`
}

func DefaultRoutes() Routes {
	return Routes{
		History: "/conversations/{id}/messages",
		Create:  "/conversations/create",
		Inbox:   "/conversations/",
		Live:    "/chat/{id}/",
	}
}

func (r Routes) withDefaults() Routes {
	d := DefaultRoutes()
	if r.History == "" {
		r.History = d.History
	}
	if r.Create == "" {
		r.Create = d.Create
	}
	if r.Inbox == "" {
		r.Inbox = d.Inbox
	}
	if r.Live == "" {
		r.Live = d.Live
	}
	return r
}

func expandRoute(route, conversationID string) string {
	return strings.ReplaceAll(route, "{id}", url.PathEscape(conversationID))
}

type ClientOptions struct {
	Routes       Routes
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	routes  Routes
	http    *retryablehttp.Client
}

var _ chat.HistoryFetcher = &Client{}

func NewClient(baseURL string, opts ClientOptions) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend client: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "backend client: parse base url")
	}

	rc := retryablehttp.NewClient()
	rc.Logger = logging.NewRetryableHTTPLogger(log.Logger.With().Str("component", "backend").Logger())
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}

	return &Client{baseURL: baseURL, routes: opts.Routes.withDefaults(), http: rc}, nil
}

// FetchHistory returns the persisted messages of a conversation, newest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID, token string) ([]chat.Message, error) {
	var items []historyItem
	if err := c.do(ctx, http.MethodGet, expandRoute(c.routes.History, conversationID), token, nil, &items); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(items))
	for _, it := range items {
		out = append(out, it.toMessage())
	}
	return out, nil
}

// CreateConversation opens a conversation about a service request and returns its id.
func (c *Client) CreateConversation(ctx context.Context, token, serviceRequestID string) (string, error) {
	if strings.TrimSpace(serviceRequestID) == "" {
		return "", errors.New("backend client: empty service request id")
	}
	body := createRequest{ServiceRequestID: flexibleID(strings.TrimSpace(serviceRequestID))}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, c.routes.Create, token, body, &resp); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", errors.New("backend client: create response has no room id")
	}
	return string(resp.RoomID), nil
}

// ListConversations returns the caller's inbox.
func (c *Client) ListConversations(ctx context.Context, token string) ([]ConversationSummary, error) {
	var items []inboxItem
	if err := c.do(ctx, http.MethodGet, c.routes.Inbox, token, nil, &items); err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(items))
	for _, it := range items {
		out = append(out, it.toSummary())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	u := c.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "backend client: encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "backend client: build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "backend client: %s %s", method, u)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: u, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "backend client: decode %s %s", method, u)
	}
	return nil
}
