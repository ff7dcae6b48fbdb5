// Package engine is the client for the external orders engine. Every call is
// tunnelled through one of the edge proxies as a {method, path, body}
// envelope.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single engine call.
const DefaultTimeout = 15 * time.Second

// Edge proxies in front of the engine.
const (
	ProxyAdmin  = "admin-proxy"
	ProxyPublic = "public-proxy"
	ProxyRunner = "runner-proxy"
)

// maxErrorBody caps how much of an undecodable error body ends up in a message.
const maxErrorBody = 512

// ValidProxy reports whether name is one of the known edge proxies.
func ValidProxy(name string) bool {
	switch name {
	case ProxyAdmin, ProxyPublic, ProxyRunner:
		return true
	default:
		return false
	}
}

// Request is the envelope the edge proxies forward to the engine.
type Request struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   any    `json:"body,omitempty"`
}

// errorBody is the shape proxies use for failures.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Client talks to the engine through the edge proxies.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

// New creates a client for the edge function base URL.
func New(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: log,
	}
}

// Raw sends req through proxy and returns the forwarded payload untouched.
func (c *Client) Raw(ctx context.Context, proxy string, req Request) (json.RawMessage, error) {
	if !ValidProxy(proxy) {
		return nil, &Error{Kind: KindProxy, Status: http.StatusNotFound, Message: fmt.Sprintf("unknown proxy %q", proxy)}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+proxy, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	c.log.Debug("engine call",
		zap.String("proxy", proxy),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if err := decodeFailure(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Do sends method/path through proxy and decodes the payload into out, which
// may be nil.
func (c *Client) Do(ctx context.Context, proxy, method, path string, body, out any) error {
	raw, err := c.Raw(ctx, proxy, Request{Method: method, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindUnknown, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// decodeFailure returns a categorized error if the response is a failure,
// either by HTTP status or by an error-shaped body.
func decodeFailure(httpStatus int, body []byte) error {
	var eb errorBody
	shaped := json.Unmarshal(body, &eb) == nil && (eb.Error != "" || eb.Message != "")

	if httpStatus < 400 && !(shaped && eb.Status >= 400) {
		return nil
	}

	status := httpStatus
	if shaped && eb.Status >= 400 {
		status = eb.Status
	}

	kind := classify(status)
	// The proxy itself rejected the caller.
	if httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden {
		kind = KindAuth
	}

	msg := ""
	switch {
	case shaped && eb.Message != "":
		msg = eb.Message
	case shaped:
		msg = eb.Error
	default:
		msg = strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
	}
	return &Error{Kind: kind, Status: status, Message: msg}
}
