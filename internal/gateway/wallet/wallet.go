// Package wallet implements mobile-wallet payments confirmed with a one-time
// code. One adapter type serves every wallet provider; providers differ only
// in name, endpoint and credentials.
package wallet

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/kart-checkout/internal/domain/otp"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway"
)

var _ otp.Gateway = (*Gateway)(nil)

// Options configures one wallet provider.
type Options struct {
	Name      string
	BaseURL   string
	AppKey    string
	AppSecret string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Gateway is an OTP mobile-wallet adapter.
type Gateway struct {
	name     string
	base     *url.URL
	opts     Options
	client   *http.Client
	validate *validator.Validate
}

// New creates the adapter. A provider without credentials is created but
// reports itself unavailable.
func New(opts Options) *Gateway {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	g := &Gateway{
		name:     strings.ToLower(strings.TrimSpace(opts.Name)),
		opts:     opts,
		client:   gateway.NewHTTPClient(opts.Timeout, opts.Transport),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if u, err := url.Parse(opts.BaseURL); err == nil && u.Scheme != "" && u.Host != "" {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		g.base = u
	}
	return g
}

func (g *Gateway) Name() string       { return g.name }
func (g *Gateway) Flow() payment.Flow { return payment.FlowPayThenCreate }

func (g *Gateway) Available() bool {
	return g.base != nil && g.opts.AppKey != "" && g.opts.AppSecret != ""
}

// initiateInput is checked before any network call.
type initiateInput struct {
	MobileNumber string `validate:"required,len=11,numeric,startswith=01"`
	Reference    string `validate:"required"`
}

// Initiate asks the provider to send a code to the customer's wallet number.
func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	if !g.Available() {
		return nil, payment.ErrGatewayUnavailable
	}
	if !req.Amount.IsPositive() {
		return nil, errors.Wrapf(payment.ErrInvalidInput, "amount must be positive, got %s", req.Amount)
	}
	in := initiateInput{
		MobileNumber: strings.TrimSpace(req.Customer.MobileNumber),
		Reference:    req.Reference,
	}
	if err := g.validate.Struct(in); err != nil {
		return nil, errors.Wrap(payment.ErrInvalidInput, describe(err))
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.Num(jx.Num(req.Amount.StringFixed(2)))
	e.FieldStart("currency")
	e.Str(req.Currency)
	e.FieldStart("reference")
	e.Str(in.Reference)
	e.FieldStart("msisdn")
	e.Str(in.MobileNumber)
	e.ObjEnd()

	resp, err := gateway.Do(ctx, g.client, http.MethodPost, g.endpoint("payments/initiate"), e.Bytes(), g.header())
	if err != nil {
		return nil, err
	}
	r, err := decodeResult(resp.Body)
	if err != nil {
		return nil, errors.Wrap(payment.ErrRejected, err.Error())
	}
	if resp.StatusCode >= 300 || r.TransactionID == "" || r.Status == "failed" {
		return nil, errors.Wrapf(payment.ErrRejected, "%s initiate: %s", g.name, r.reason(resp.StatusCode))
	}
	return &payment.Initiation{TransactionID: r.TransactionID, OTPRequired: true}, nil
}

// Verify submits the code for a pending transaction. A wrong code is a
// failed verification, not an error.
func (g *Gateway) Verify(ctx context.Context, req payment.VerifyRequest) (*payment.Verification, error) {
	if !g.Available() {
		return nil, payment.ErrGatewayUnavailable
	}
	if req.TransactionID == "" || req.Code == "" {
		return nil, errors.Wrap(payment.ErrInvalidInput, "transaction id and code are required")
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("otp")
	e.Str(req.Code)
	e.ObjEnd()

	path := "payments/" + url.PathEscape(req.TransactionID) + "/verify"
	resp, err := gateway.Do(ctx, g.client, http.MethodPost, g.endpoint(path), e.Bytes(), g.header())
	if err != nil {
		return nil, err
	}
	r, err := decodeResult(resp.Body)
	if err != nil {
		return nil, errors.Wrap(payment.ErrRejected, err.Error())
	}
	if resp.StatusCode >= 500 {
		return nil, errors.Wrapf(payment.ErrRejected, "%s verify: %s", g.name, r.reason(resp.StatusCode))
	}

	v := &payment.Verification{TransactionID: r.TransactionID, Status: payment.StatusFailed, Response: resp.Body}
	if v.TransactionID == "" {
		v.TransactionID = req.TransactionID
	}
	if resp.StatusCode < 300 && (r.Status == "verified" || r.Status == "completed" || r.Status == "success") {
		v.Status = payment.StatusVerified
	}
	return v, nil
}

func (g *Gateway) endpoint(path string) string {
	return g.base.ResolveReference(&url.URL{Path: path}).String()
}

func (g *Gateway) header() http.Header {
	h := http.Header{}
	h.Set("X-App-Key", g.opts.AppKey)
	h.Set("Authorization", "Bearer "+g.opts.AppSecret)
	return h
}

type result struct {
	Status        string
	TransactionID string
	Message       string
}

func (r result) reason(status int) string {
	if r.Message != "" {
		return r.Message
	}
	if status >= 300 {
		return http.StatusText(status)
	}
	return "no transaction id"
}

func decodeResult(body []byte) (result, error) {
	var r result
	if len(strings.TrimSpace(string(body))) == 0 {
		return r, nil
	}
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		var err error
		switch string(key) {
		case "status":
			var s string
			s, err = d.Str()
			r.Status = strings.ToLower(s)
		case "transaction_id", "trxID":
			r.TransactionID, err = d.Str()
		case "message", "error":
			r.Message, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return r, errors.Wrap(err, "decode wallet response")
}

// describe turns validator errors into a message for the customer.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "MobileNumber":
			msgs = append(msgs, "mobile number must be 11 digits starting with 01")
		default:
			msgs = append(msgs, strings.ToLower(fe.Field())+" is "+fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}
