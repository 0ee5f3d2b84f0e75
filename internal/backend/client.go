// Package backend is the portal API collaborator: a thin HTTP client with
// bearer-token auth, request throttling and tolerant response decoding.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Reader issues backend reads.
type Reader interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// Writer issues backend writes. body is JSON-encoded unless it is a
// *Multipart, which is sent as multipart/form-data.
type Writer interface {
	Post(ctx context.Context, path string, body any) (json.RawMessage, error)
}

type Client interface {
	Reader
	Writer
}

var ErrUnauthorized = errors.New("jobsync: backend rejected credentials")

// StatusError is a non-2xx backend response. Message is the backend's own
// message when the body carried one.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Message extracts the backend's message from err, if there is one.
func Message(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Message
	}
	return ""
}

// Multipart is a single-file form upload.
type Multipart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
	Fields      map[string]string
}

type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Token             string
	Logger            *slog.Logger
	// OnUnauthorized runs after a 401 has cleared the token.
	OnUnauthorized func()
}

type HTTPClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

var _ Client = (*HTTPClient)(nil)

const maxBodyBytes = 32 << 20

func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &HTTPClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: opts.Timeout},
		logger:         opts.Logger,
		token:          opts.Token,
		onUnauthorized: opts.OnUnauthorized,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

func (c *HTTPClient) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return c.do(ctx, http.MethodPost, path, "", nil)
	case *Multipart:
		data, contentType, err := b.encode()
		if err != nil {
			return nil, fmt.Errorf("encode multipart: %w", err)
		}
		return c.do(ctx, http.MethodPost, path, contentType, data)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		return c.do(ctx, http.MethodPost, path, "application/json", data)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: extractMessage(data)}
		if resp.StatusCode == http.StatusUnauthorized {
			c.SetToken("")
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
		}
		c.logger.Debug("backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("code", resp.StatusCode),
		)
		return nil, se
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: response is not JSON", method, path)
	}
	return json.RawMessage(data), nil
}

func extractMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

func (m *Multipart) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range m.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	field := m.Field
	if field == "" {
		field = "file"
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, m.Filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(m.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
