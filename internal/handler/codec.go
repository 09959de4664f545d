package handler

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

func decodeObject(body []byte, f func(d *jx.Decoder, key string) error) error {
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return errors.Wrap(errBadRequest, "expected a JSON object")
	}
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return f(d, string(key))
	}); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

// decodeMoney reads a JSON number or a numeric string.
func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

func decodeOptionalMoney(d *jx.Decoder) (*decimal.Decimal, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := decodeMoney(d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// decodeID accepts ids sent as strings or numbers.
func decodeID(d *jx.Decoder) (string, error) {
	if d.Next() == jx.String {
		return d.Str()
	}
	n, err := d.Num()
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodeOpen(body []byte) (checkout.OpenRequest, error) {
	var req checkout.OpenRequest
	err := decodeObject(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "lines":
			return d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				req.Lines = append(req.Lines, l)
				return err
			})
		case "coupon_code":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			req.CouponCode = v
			return err
		case "use_wallet":
			v, err := d.Bool()
			req.UseWallet = v
			return err
		default:
			return d.Skip()
		}
	})
	return req, err
}

func decodeLine(d *jx.Decoder) (pricing.CartLine, error) {
	var l pricing.CartLine
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "product_id":
			l.ProductID, err = decodeID(d)
		case "quantity":
			l.Quantity, err = d.Int()
		case "regular_price":
			l.RegularPrice, err = decodeMoney(d)
		case "sale_price":
			l.SalePrice, err = decodeOptionalMoney(d)
		case "variation":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v := &pricing.Variation{}
			err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var err error
				switch string(key) {
				case "id":
					v.ID, err = decodeID(d)
				case "regular_price":
					v.RegularPrice, err = decodeMoney(d)
				case "sale_price":
					v.SalePrice, err = decodeOptionalMoney(d)
				default:
					err = d.Skip()
				}
				return err
			})
			l.Variation = v
		default:
			err = d.Skip()
		}
		return err
	})
	return l, err
}

// decodeReprice distinguishes an absent coupon_code (keep) from null or ""
// (remove).
func decodeReprice(body []byte) (checkout.RepriceRequest, error) {
	var req checkout.RepriceRequest
	err := decodeObject(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "coupon_code":
			code := ""
			if d.Next() == jx.Null {
				if err := d.Null(); err != nil {
					return err
				}
			} else {
				v, err := d.Str()
				if err != nil {
					return err
				}
				code = v
			}
			req.CouponCode = &code
			return nil
		case "use_wallet":
			v, err := d.Bool()
			req.UseWallet = &v
			return err
		default:
			return d.Skip()
		}
	})
	return req, err
}

func decodePay(body []byte) (checkout.PayRequest, error) {
	var req checkout.PayRequest
	err := decodeObject(body, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "gateway":
			req.Gateway, err = d.Str()
		case "shipping_address":
			req.ShippingAddress, err = decodeAddress(d)
		case "billing_address":
			req.BillingAddress, err = decodeAddress(d)
		case "delivery_time":
			req.DeliveryTime, err = d.Str()
		case "mobile_number":
			req.MobileNumber, err = d.Str()
		case "email":
			req.Email, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeAddress(d *jx.Decoder) (order.Address, error) {
	var a order.Address
	if d.Next() == jx.Null {
		return a, d.Null()
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var dst *string
		switch string(key) {
		case "name":
			dst = &a.Name
		case "mobile_number":
			dst = &a.MobileNumber
		case "email":
			dst = &a.Email
		case "address_line1":
			dst = &a.Line1
		case "address_line2":
			dst = &a.Line2
		case "city":
			dst = &a.City
		case "area":
			dst = &a.Area
		case "postal_code":
			dst = &a.PostalCode
		case "country":
			dst = &a.Country
		default:
			return d.Skip()
		}
		v, err := d.Str()
		*dst = strings.TrimSpace(v)
		return err
	})
	return a, err
}

func decodeOTP(body []byte) (string, error) {
	var code string
	err := decodeObject(body, func(d *jx.Decoder, key string) error {
		if key != "code" && key != "otp" {
			return d.Skip()
		}
		v, err := d.Str()
		code = v
		return err
	})
	return code, err
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}

func encodeView(e *jx.Encoder, v *checkout.View) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(v.ID)
	e.FieldStart("state")
	e.Str(v.State.String())
	e.FieldStart("busy")
	e.Bool(v.Busy)

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range v.Lines {
		encodeLine(e, l)
	}
	e.ArrEnd()

	e.FieldStart("breakdown")
	encodeBreakdown(e, v.Breakdown)
	if v.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(v.CouponCode)
	}
	e.FieldStart("use_wallet")
	e.Bool(v.UseWallet)

	if v.Gateway != "" {
		e.FieldStart("gateway")
		e.Str(v.Gateway)
	}
	if a := v.Attempt; a != nil {
		e.FieldStart("attempt")
		e.ObjStart()
		e.FieldStart("gateway")
		e.Str(a.Gateway)
		if a.TransactionID != "" {
			e.FieldStart("transaction_id")
			e.Str(a.TransactionID)
		}
		e.FieldStart("status")
		e.Str(string(a.Status))
		e.FieldStart("otp_required")
		e.Bool(a.OTPRequired)
		e.ObjEnd()
	}
	if o := v.OTP; o != nil {
		e.FieldStart("otp")
		e.ObjStart()
		e.FieldStart("state")
		e.Str(o.State.String())
		e.FieldStart("attempts")
		e.Int(o.Attempts)
		e.FieldStart("remaining_attempts")
		e.Int(o.RemainingAttempts)
		e.ObjEnd()
	}
	if v.RedirectURL != "" {
		e.FieldStart("redirect_url")
		e.Str(v.RedirectURL)
	}
	if v.TrackingNumber != "" {
		e.FieldStart("tracking_number")
		e.Str(v.TrackingNumber)
	}
	e.FieldStart("pending_order")
	e.Bool(v.PendingOrder)
	if f := v.Failure; f != nil {
		e.FieldStart("failure")
		e.ObjStart()
		e.FieldStart("reason")
		e.Str(string(f.Reason))
		e.FieldStart("message")
		e.Str(f.Message)
		e.FieldStart("retryable")
		e.Bool(f.Retryable)
		e.ObjEnd()
	}
	e.ObjEnd()
}

func encodeLine(e *jx.Encoder, l pricing.CartLine) {
	regular, sale, onSale := l.UnitPrices()
	e.ObjStart()
	e.FieldStart("product_id")
	e.Str(l.ProductID)
	if l.Variation != nil {
		e.FieldStart("variation_id")
		e.Str(l.Variation.ID)
	}
	e.FieldStart("quantity")
	e.Int(l.Quantity)
	e.FieldStart("regular_price")
	money(e, regular)
	if onSale {
		e.FieldStart("sale_price")
		money(e, sale)
	}
	e.ObjEnd()
}

func encodeBreakdown(e *jx.Encoder, b pricing.Breakdown) {
	e.ObjStart()
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"subtotal", b.Subtotal},
		{"product_discount", b.ProductDiscount},
		{"coupon_discount", b.CouponDiscount},
		{"base_shipping", b.BaseShipping},
		{"free_shipping_discount", b.FreeShippingDiscount},
		{"shipping_cost", b.ShippingCost},
		{"tax_amount", b.TaxAmount},
		{"final_total", b.FinalTotal},
		{"wallet_amount_used", b.WalletAmountUsed},
		{"payable_total", b.PayableTotal},
	} {
		e.FieldStart(f.name)
		money(e, f.v)
	}
	e.FieldStart("coupon_applied")
	e.Bool(b.CouponApplied)
	e.FieldStart("coupon_effective")
	e.Bool(b.CouponEffective)
	e.ObjEnd()
}

func encodeGateways(e *jx.Encoder, opts []payment.Option) {
	e.ObjStart()
	e.FieldStart("gateways")
	e.ArrStart()
	for _, o := range opts {
		e.ObjStart()
		e.FieldStart("name")
		e.Str(o.Name)
		e.FieldStart("flow")
		e.Str(o.Flow.String())
		e.FieldStart("available")
		e.Bool(o.Available)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}
