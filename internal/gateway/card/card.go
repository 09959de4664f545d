// Package card implements the hosted card payment page. The customer leaves
// the checkout for the gateway page and comes back through the return URL, so
// the order is created before the redirect.
package card

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway"
)

// Name is the gateway identifier sent to the backend.
const Name = "card"

var (
	_ payment.Gateway  = (*Gateway)(nil)
	_ payment.Verifier = (*Gateway)(nil)
)

// Options configures the card gateway.
type Options struct {
	BaseURL       string
	StoreID       string
	StorePassword string
	Timeout       time.Duration
	Transport     http.RoundTripper
}

// Gateway is the redirect card adapter.
type Gateway struct {
	base   *url.URL
	opts   Options
	client *http.Client
}

// New creates the adapter. A gateway without credentials or with an invalid
// base URL is created but reports itself unavailable.
func New(opts Options) *Gateway {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	g := &Gateway{opts: opts, client: gateway.NewHTTPClient(opts.Timeout, opts.Transport)}
	if u, err := url.Parse(opts.BaseURL); err == nil && u.Scheme != "" && u.Host != "" {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		g.base = u
	}
	return g
}

func (g *Gateway) Name() string       { return Name }
func (g *Gateway) Flow() payment.Flow { return payment.FlowPreCreateThenPay }

func (g *Gateway) Available() bool {
	return g.base != nil && g.opts.StoreID != "" && g.opts.StorePassword != ""
}

// Initiate opens a hosted payment session and returns the page the customer
// must be sent to. The transaction id is the merchant reference.
func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	if !g.Available() {
		return nil, payment.ErrGatewayUnavailable
	}
	if !req.Amount.IsPositive() {
		return nil, errors.Wrapf(payment.ErrInvalidInput, "amount must be positive, got %s", req.Amount)
	}
	if req.Reference == "" || req.ReturnURL == "" {
		return nil, errors.Wrap(payment.ErrInvalidInput, "reference and return url are required")
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("store_id")
	e.Str(g.opts.StoreID)
	e.FieldStart("store_passwd")
	e.Str(g.opts.StorePassword)
	e.FieldStart("total_amount")
	e.Num(jx.Num(req.Amount.StringFixed(2)))
	e.FieldStart("currency")
	e.Str(req.Currency)
	e.FieldStart("tran_id")
	e.Str(req.Reference)
	for _, f := range []string{"success_url", "fail_url", "cancel_url"} {
		e.FieldStart(f)
		e.Str(req.ReturnURL)
	}
	e.FieldStart("cus_name")
	e.Str(req.Customer.Name)
	e.FieldStart("cus_email")
	e.Str(req.Customer.Email)
	e.FieldStart("cus_phone")
	e.Str(req.Customer.MobileNumber)
	e.ObjEnd()

	resp, err := gateway.Do(ctx, g.client, http.MethodPost, g.endpoint("session"), e.Bytes(), nil)
	if err != nil {
		return nil, err
	}
	s, err := decodeSession(resp.Body)
	if err != nil {
		return nil, errors.Wrap(payment.ErrRejected, err.Error())
	}
	if resp.StatusCode >= 300 || !strings.EqualFold(s.Status, "success") || s.PageURL == "" {
		reason := s.Reason
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, errors.Wrapf(payment.ErrRejected, "card session: %s", reason)
	}
	return &payment.Initiation{TransactionID: req.Reference, RedirectURL: s.PageURL}, nil
}

// Verify looks up the validation id the gateway appended to the return URL.
// Success of a redirect payment is signalled by the return itself; the
// lookup only confirms it. ErrRejected means the gateway answered against
// the payment; ErrTimeout and ErrGatewayUnavailable mean it gave no usable
// answer.
func (g *Gateway) Verify(ctx context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	if !g.Available() {
		return nil, payment.ErrGatewayUnavailable
	}
	if req.Code == "" {
		return nil, errors.Wrap(payment.ErrInvalidInput, "validation id is required")
	}

	q := url.Values{}
	q.Set("val_id", req.Code)
	q.Set("store_id", g.opts.StoreID)
	q.Set("store_passwd", g.opts.StorePassword)
	resp, err := gateway.Do(ctx, g.client, http.MethodGet, g.endpoint("validator")+"?"+q.Encode(), nil, nil)
	switch {
	case errors.Is(err, payment.ErrTimeout):
		return nil, err
	case err != nil:
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(payment.ErrGatewayUnavailable, "card validation: %s", http.StatusText(resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, errors.Wrapf(payment.ErrRejected, "card validation: %s", http.StatusText(resp.StatusCode))
	}
	v, err := decodeValidation(resp.Body)
	if err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	}

	out := &payment.Verification{TransactionID: v.TransactionID, Status: payment.StatusFailed, Response: resp.Body}
	if out.TransactionID == "" {
		out.TransactionID = req.TransactionID
	}
	if req.TransactionID != "" && out.TransactionID != req.TransactionID {
		return out, errors.Wrapf(payment.ErrRejected, "validation belongs to %s", out.TransactionID)
	}
	switch strings.ToUpper(v.Status) {
	case "VALID", "VALIDATED":
		out.Status = payment.StatusVerified
	}
	return out, nil
}

func (g *Gateway) endpoint(path string) string {
	return g.base.ResolveReference(&url.URL{Path: path}).String()
}

type session struct {
	Status  string
	PageURL string
	Reason  string
}

func decodeSession(body []byte) (session, error) {
	var s session
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		var err error
		switch string(key) {
		case "status":
			s.Status, err = d.Str()
		case "GatewayPageURL", "gateway_page_url":
			s.PageURL, err = d.Str()
		case "failedreason", "reason":
			s.Reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return s, errors.Wrap(err, "decode card session")
}

type validation struct {
	Status        string
	TransactionID string
}

func decodeValidation(body []byte) (validation, error) {
	var v validation
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		var err error
		switch string(key) {
		case "status":
			v.Status, err = d.Str()
		case "tran_id":
			v.TransactionID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return v, errors.Wrap(err, "decode card validation")
}
