package backend

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// envelope is the {success, data, detail} wrapper some endpoints use. Records
// returned without it are decoded from the whole body.
type envelope struct {
	Success    bool
	HasSuccess bool
	Data       jx.Raw
	Detail     string
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return env, errors.Errorf("unexpected %s body", d.Next())
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "success":
			if d.Next() != jx.Bool {
				return d.Skip()
			}
			v, err := d.Bool()
			env.Success, env.HasSuccess = v, true
			return err
		case "data":
			raw, err := d.Raw()
			env.Data = raw
			return err
		case "detail", "message":
			detail, err := decodeDetail(d)
			if detail != "" {
				env.Detail = detail
			}
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return env, errors.Wrap(err, "decode envelope")
	}
	if env.Data == nil {
		env.Data = body
	}
	return env, nil
}

// decodeDetail accepts a plain string or any JSON value, which is kept raw.
func decodeDetail(d *jx.Decoder) (string, error) {
	if d.Next() == jx.String {
		return d.Str()
	}
	raw, err := d.Raw()
	if err != nil {
		return "", err
	}
	if raw.Type() == jx.Null {
		return "", nil
	}
	return raw.String(), nil
}

// decodeDecimal reads a JSON number or a numeric string. null and "" read as
// zero.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.Null:
		return decimal.Zero, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}

// decodeID reads an identifier sent either as a number or a string.
func decodeID(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.Null:
		return "", d.Null()
	case jx.String:
		return d.Str()
	default:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

func decodeCoupon(raw []byte) (*coupon.Coupon, error) {
	var c coupon.Coupon
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			c.ID, err = decodeID(d)
		case "code":
			c.Code, err = d.Str()
		case "type", "discount_type":
			var s string
			s, err = d.Str()
			c.Type = coupon.Type(strings.ToLower(strings.TrimSpace(s)))
		case "amount":
			c.Amount, err = decodeDecimal(d)
		case "minimum_cart_amount":
			c.MinimumCartAmount, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode coupon")
	}
	return &c, nil
}

func decodeShipping(raw []byte) (pricing.ShippingPolicy, error) {
	var p pricing.ShippingPolicy
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = decodeID(d)
		case "type":
			var s string
			s, err = d.Str()
			p.Kind = pricing.ShippingKind(strings.ToLower(strings.TrimSpace(s)))
		case "amount":
			p.Amount, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return p, errors.Wrap(err, "decode shipping")
	}
	switch p.Kind {
	case pricing.ShippingFree, pricing.ShippingFixed, pricing.ShippingPercentage:
	default:
		return p, errors.Errorf("unknown shipping type %q", p.Kind)
	}
	return p, nil
}

func decodeTax(raw []byte) (pricing.TaxPolicy, error) {
	var p pricing.TaxPolicy
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = decodeID(d)
		case "rate":
			p.Rate, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return p, errors.Wrap(err, "decode tax")
	}
	return p, nil
}

func decodeWallet(raw []byte) (pricing.Wallet, error) {
	var w pricing.Wallet
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "balance" {
			return d.Skip()
		}
		var err error
		w.Balance, err = decodeDecimal(d)
		return err
	})
	if err != nil {
		return w, errors.Wrap(err, "decode wallet")
	}
	return w, nil
}

func decodeReceipt(raw []byte) (*order.Receipt, error) {
	var r order.Receipt
	err := jx.DecodeBytes(raw).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "tracking_number" {
			return d.Skip()
		}
		var err error
		r.TrackingNumber, err = decodeID(d)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode order receipt")
	}
	return &r, nil
}

func encodeOrder(e *jx.Encoder, req order.Request) {
	d := req.Draft
	e.ObjStart()
	e.FieldStart("shipping_address")
	encodeAddress(e, d.ShippingAddress)
	e.FieldStart("billing_address")
	encodeAddress(e, d.BillingAddress)
	e.FieldStart("payment_gateway")
	e.Str(d.PaymentGateway)
	e.FieldStart("cart")
	e.ArrStart()
	for _, l := range d.Cart {
		e.ObjStart()
		e.FieldStart("product_id")
		encodeID(e, l.ProductID)
		if l.VariationOptionID != "" {
			e.FieldStart("variation_option_id")
			encodeID(e, l.VariationOptionID)
		}
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("shipping_id")
	encodeID(e, d.ShippingID)
	e.FieldStart("tax_id")
	encodeID(e, d.TaxID)
	if d.CouponID != "" {
		e.FieldStart("coupon_id")
		encodeID(e, d.CouponID)
	}
	e.FieldStart("delivery_time")
	e.Str(d.DeliveryTime)
	e.FieldStart("use_wallet")
	e.Bool(d.UseWallet)
	e.FieldStart("wallet_amount")
	e.Num(jx.Num(d.WalletAmount.StringFixed(2)))
	e.FieldStart("payment_status")
	e.Str(string(req.PaymentStatus))
	if req.PaymentID != "" {
		e.FieldStart("payment_id")
		e.Str(req.PaymentID)
	}
	if len(req.PaymentResponse) > 0 {
		e.FieldStart("payment_response")
		if jx.Valid(req.PaymentResponse) {
			e.Raw(req.PaymentResponse)
		} else {
			e.Str(string(req.PaymentResponse))
		}
	}
	e.ObjEnd()
}

func encodeAddress(e *jx.Encoder, a order.Address) {
	e.ObjStart()
	field := func(name, v string) {
		if v == "" {
			return
		}
		e.FieldStart(name)
		e.Str(v)
	}
	field("name", a.Name)
	field("mobile_number", a.MobileNumber)
	field("email", a.Email)
	field("address_line1", a.Line1)
	field("address_line2", a.Line2)
	field("city", a.City)
	field("area", a.Area)
	field("postal_code", a.PostalCode)
	field("country", a.Country)
	e.ObjEnd()
}

// encodeID writes numeric ids as numbers, which is what the backend stores.
func encodeID(e *jx.Encoder, id string) {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		e.Num(jx.Num(id))
		return
	}
	e.Str(id)
}
