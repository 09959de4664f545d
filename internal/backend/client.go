// Package backend is the typed client of the storefront REST API that owns
// coupons, shipping and tax classes, wallets and orders.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

const maxBodySize = 1 << 20

// ErrNotFound is returned when the backend has no such record.
var ErrNotFound = errors.New("backend record not found")

// StatusError is a non-success answer from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Detail)
}

// RequestError is a transport failure: the request may or may not have
// reached the backend.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	BaseURL string
	// Token is the fallback bearer token used when the request context
	// carries none.
	Token          string
	Timeout        time.Duration
	Transport      http.RoundTripper
	TracerProvider trace.TracerProvider
}

var (
	_ coupon.Repository = (*Client)(nil)
	_ order.Creator     = (*Client)(nil)
)

// Client talks to the storefront backend.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	tracer trace.Tracer
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Client{
		base:  base,
		token: opts.Token,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(transport, otelhttp.WithTracerProvider(tp)),
		},
		tracer: tp.Tracer("kart-checkout/backend"),
	}, nil
}

type tokenKey struct{}

// WithToken attaches the customer's bearer token to ctx. Calls made with the
// returned context authenticate as that customer.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func (c *Client) tokenFor(ctx context.Context) string {
	if t, ok := ctx.Value(tokenKey{}).(string); ok && t != "" {
		return t
	}
	return c.token
}

// FindByCode implements coupon.Repository over GET coupon/redeem/{code}.
// Only answers about the code itself make the coupon invalid; auth and rate
// limit failures are returned as backend errors.
func (c *Client) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	body, err := c.do(ctx, "coupon.redeem", http.MethodGet, "coupon/redeem/"+url.PathEscape(code), nil, nil)
	if err != nil {
		var se *StatusError
		if errors.Is(err, ErrNotFound) || (errors.As(err, &se) && couponRejected(se.StatusCode)) {
			return nil, errors.Wrap(coupon.ErrInvalidCoupon, err.Error())
		}
		return nil, err
	}
	return decodeCoupon(body)
}

// couponRejected reports whether a failed redeem call was an answer about the
// code. A 2xx status here means the envelope carried success=false.
func couponRejected(status int) bool {
	if status < http.StatusMultipleChoices {
		return true
	}
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

// Shipping fetches a shipping class.
func (c *Client) Shipping(ctx context.Context, id string) (pricing.ShippingPolicy, error) {
	body, err := c.do(ctx, "shipping.read", http.MethodGet, "shipping/read/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return pricing.ShippingPolicy{}, err
	}
	p, err := decodeShipping(body)
	if err == nil && p.ID == "" {
		p.ID = id
	}
	return p, err
}

// Tax fetches a tax class.
func (c *Client) Tax(ctx context.Context, id string) (pricing.TaxPolicy, error) {
	body, err := c.do(ctx, "tax.read", http.MethodGet, "tax/read/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return pricing.TaxPolicy{}, err
	}
	p, err := decodeTax(body)
	if err == nil && p.ID == "" {
		p.ID = id
	}
	return p, err
}

// WalletBalance fetches the balance of the customer identified by the
// context token.
func (c *Client) WalletBalance(ctx context.Context) (pricing.Wallet, error) {
	body, err := c.do(ctx, "wallet.balance", http.MethodGet, "wallet/balance", nil, nil)
	if err != nil {
		return pricing.Wallet{}, err
	}
	return decodeWallet(body)
}

// CreateOrder implements order.Creator over POST order/cartcreate. The
// idempotency key is sent so the backend can deduplicate retries.
func (c *Client) CreateOrder(ctx context.Context, req order.Request) (*order.Receipt, error) {
	var e jx.Encoder
	encodeOrder(&e, req)

	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	body, err := c.do(ctx, "order.cartcreate", http.MethodPost, "order/cartcreate", e.Bytes(), header)
	if err != nil {
		return nil, err
	}
	return decodeReceipt(body)
}

// do performs the request and returns the record payload with any envelope
// removed.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, header http.Header) (_ []byte, rerr error) {
	ctx, span := c.tracer.Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.path", path)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	u := c.base.ResolveReference(&url.URL{Path: path})
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokenFor(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &RequestError{Op: op, Err: errors.Wrap(err, "read body")}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", op, path)
	}

	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		env, err = decodeEnvelope(body)
		if err != nil && resp.StatusCode < 300 {
			return nil, errors.Wrap(err, op)
		}
	}
	if resp.StatusCode >= 300 || (env.HasSuccess && !env.Success) {
		detail := env.Detail
		if detail == "" && err != nil {
			detail = strings.TrimSpace(string(body))
		}
		zctx.From(ctx).Debug("Backend request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", detail),
		)
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Detail: detail}
	}
	if env.Data == nil {
		return nil, errors.Errorf("%s: empty response", op)
	}
	if env.Data.Type() == jx.Null {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", op, path)
	}
	return env.Data, nil
}
