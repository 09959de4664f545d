// Package gateway holds the HTTP plumbing shared by the payment adapters.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const maxResponseSize = 1 << 20

// NewHTTPClient returns an instrumented client with the adapter's deadline.
func NewHTTPClient(timeout time.Duration, rt http.RoundTripper) *http.Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(rt),
	}
}

// Response is a raw gateway answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do sends a request and reads the whole response. Transport failures are
// classified with Classify.
func Do(ctx context.Context, c *http.Client, method, url string, body []byte, header http.Header) (*Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, errors.Wrap(payment.ErrInvalidInput, err.Error())
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, Classify(err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// Classify maps a transport error onto the payment error taxonomy. A missing
// answer is never treated as success.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrap(payment.ErrTimeout, err.Error())
	}
	return errors.Wrap(payment.ErrRejected, err.Error())
}
