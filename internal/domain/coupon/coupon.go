package coupon

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported coupon discount strategies.
type Type string

const (
	// TypeFixed takes a flat amount off the discounted cart value.
	TypeFixed Type = "fixed"
	// TypePercentage takes a percentage of the discounted cart value.
	TypePercentage Type = "percentage"
	// TypeFreeShipping absorbs whatever shipping cost remains after the
	// free-shipping promotion.
	TypeFreeShipping Type = "free_shipping"
)

// Valid reports whether t is one of the known coupon types.
func (t Type) Valid() bool {
	switch t {
	case TypeFixed, TypePercentage, TypeFreeShipping:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidCoupon is returned when a coupon code is unknown to the backend.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrUnsupportedType is returned when the backend returns a coupon with a
	// type this engine cannot price.
	ErrUnsupportedType = errors.New("unsupported coupon type")
)

// Coupon is the backend coupon record. It is read-only to the checkout core.
type Coupon struct {
	ID                string
	Code              string
	Type              Type
	Amount            decimal.Decimal
	MinimumCartAmount decimal.Decimal
}

// Repository looks up coupon records by code.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}
