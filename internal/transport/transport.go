package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedScheme rejects anything other than http and https
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrBlocked rejects URLs matching the blocklist
	ErrBlocked = errors.New("blocked by transport policy")
)

// Fetcher retrieves a resource by absolute URL, following redirects
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, url string) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

// Response is a completed fetch. Any HTTP status is a response; only
// transport-level failures are errors.
type Response struct {
	Status      int
	URL         string // final URL after redirects
	ContentType string
	body        []byte
}

// NewResponse builds a response, mostly for tests and fakes
func NewResponse(status int, finalURL, contentType string, body []byte) *Response {
	return &Response{Status: status, URL: finalURL, ContentType: contentType, body: body}
}

// Body returns the body as text
func (r *Response) Body() string {
	return string(r.body)
}

// Bytes returns the raw body
func (r *Response) Bytes() []byte {
	return r.body
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}
