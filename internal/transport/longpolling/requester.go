package longpolling

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps a single poll response.
const maxBodyBytes = 16 << 20

// Response is the part of an HTTP response the poll loop looks at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// Requester issues a single GET. Cancelling ctx aborts the request, in
// which case Get returns an error.
type Requester interface {
	Get(ctx context.Context, url string, header http.Header) (*Response, error)
}

// HTTPRequester is the Requester backed by an *http.Client.
type HTTPRequester struct {
	Client *http.Client
}

// Get performs the request and reads the whole body.
func (r HTTPRequester) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("longpolling: building request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("longpolling: get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("longpolling: reading body: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       string(body),
	}, nil
}
