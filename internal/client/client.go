// Package client is the HTTP implementation of the support API used by the
// widget and the agent commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"helpdesk/internal/domain"
	"helpdesk/internal/metrics"
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	TicketsPath  string
	MessagesPath string
	ChatPath     string
	Logger       *slog.Logger
	Metrics      *metrics.Client
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("support api: HTTP %d", e.Code)
	}
	return fmt.Sprintf("support api: HTTP %d: %s", e.Code, e.Body)
}

// Client talks to the support backend. It never retries: a failed append
// could otherwise create the same message twice.
type Client struct {
	base         *url.URL
	apiKey       string
	ticketsPath  string
	messagesPath string
	chatPath     string
	http         *http.Client
	stream       *http.Client
	logger       *slog.Logger
	metrics      *metrics.Client
}

var _ domain.SupportAPI = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TicketsPath == "" {
		cfg.TicketsPath = "/api/tickets"
	}
	if cfg.MessagesPath == "" {
		cfg.MessagesPath = "/api/tickets/messages"
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/api/chat"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:         base,
		apiKey:       cfg.APIKey,
		ticketsPath:  cfg.TicketsPath,
		messagesPath: cfg.MessagesPath,
		chatPath:     cfg.ChatPath,
		http:         newHTTPClient(cfg.Timeout, cfg.Timeout),
		stream:       newHTTPClient(0, cfg.Timeout),
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

func (c *Client) endpoint(path string, elem ...string) string {
	parts := []string{path}
	for _, e := range elem {
		parts = append(parts, url.PathEscape(e))
	}
	return c.base.JoinPath(parts...).String()
}

// TicketSocketURL returns the WebSocket URL that pushes snapshots of a ticket.
func (c *Client) TicketSocketURL(ticketID string) string {
	u, _ := url.Parse(c.endpoint(c.ticketsPath, ticketID, "ws"))
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// Header returns the headers an authenticated request carries.
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.Header() {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(op string, req *http.Request, out any) error {
	start := time.Now()
	defer c.metrics.ObserveRequest(op, start)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, strings.TrimSpace(string(body)))
	}
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *Client) ListTickets(ctx context.Context) ([]domain.TicketSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(c.ticketsPath), nil, "")
	if err != nil {
		return nil, err
	}
	var out []domain.TicketSummary
	if err := c.do("list_tickets", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(c.ticketsPath, id), nil, "")
	if err != nil {
		return nil, err
	}
	var out domain.Ticket
	if err := c.do("get_ticket", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateTicket(ctx context.Context, in domain.CreateTicketRequest) (*domain.Ticket, error) {
	if strings.TrimSpace(in.Email) == "" {
		return nil, domain.ErrEmailRequired
	}
	if in.Kind == "" {
		in.Kind = domain.KindChat
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(c.ticketsPath), bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	var out domain.Ticket
	if err := c.do("create_ticket", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendMessage posts JSON, or a multipart form when the request carries an upload.
func (c *Client) AppendMessage(ctx context.Context, in domain.AppendMessageRequest) error {
	if strings.TrimSpace(in.Content) == "" && in.Upload == nil {
		return domain.ErrEmptyMessage
	}

	var (
		body        []byte
		contentType string
		err         error
	)
	if in.Upload != nil {
		body, contentType, err = encodeMultipart(in)
	} else {
		body, err = json.Marshal(in)
		contentType = "application/json"
	}
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(c.messagesPath), bytes.NewReader(body), contentType)
	if err != nil {
		return err
	}
	return c.do("append_message", req, nil)
}

func encodeMultipart(in domain.AppendMessageRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"ticketId", in.TicketID},
		{"content", in.Content},
		{"sender", string(in.Sender)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", in.Upload.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(in.Upload.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.TicketStatus) error {
	body, err := json.Marshal(map[string]domain.TicketStatus{"status": status})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPatch, c.endpoint(c.ticketsPath, id), bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	return c.do("update_status", req, nil)
}

// StreamChat posts the conversation context and feeds every decoded fragment
// to onText. Cancelling ctx abandons the read loop.
func (c *Client) StreamChat(ctx context.Context, turns []domain.ChatTurn, onText func(string)) error {
	start := time.Now()
	defer c.metrics.ObserveRequest("stream_chat", start)

	body, err := json.Marshal(map[string][]domain.ChatTurn{"messages": turns})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(c.chatPath), bytes.NewReader(body), "application/json")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("stream_chat: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	dropped, err := DecodeFrames(resp.Body, func(text string) {
		c.metrics.Frame(false)
		onText(text)
	})
	for i := 0; i < dropped; i++ {
		c.metrics.Frame(true)
	}
	if dropped > 0 {
		c.logger.Warn("dropped malformed stream frames", "count", dropped)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
