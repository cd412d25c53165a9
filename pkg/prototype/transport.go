package prototype

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one call to a leader
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Accept      string
}

// Response is a leader's complete answer
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Transport delivers requests to a server address.
// Implementations must return only after the full body has been read.
type Transport interface {
	Send(ctx context.Context, address string, req *Request) (*Response, error)
}

// HTTPTransport sends requests over HTTP
type HTTPTransport struct {
	client *http.Client
	scheme string
}

// NewHTTPTransport creates an HTTP transport. A nil client uses a client
// without a timeout; deadlines come from the request context. Redirects are
// never followed: a leader answers directly or the call fails.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPTransport{client: client, scheme: "http"}
}

// Send implements Transport
func (t *HTTPTransport) Send(ctx context.Context, address string, req *Request) (*Response, error) {
	target := address
	if !strings.Contains(target, "://") {
		target = t.scheme + "://" + target
	}
	target = strings.TrimSuffix(target, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if req.ContentType != "" && req.Body != nil {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode:  httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
