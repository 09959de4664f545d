package coupon

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Basis holds the already-computed pricing values a coupon is evaluated
// against.
type Basis struct {
	Subtotal        decimal.Decimal
	ProductDiscount decimal.Decimal
	// ShippingCost is the shipping line after the free-shipping promotion.
	ShippingCost decimal.Decimal
}

// Result describes what a coupon contributes to an order.
//
// Applied is true whenever a coupon was supplied, even if it contributes
// nothing. Effective is true only when the coupon met its minimum cart
// amount. Callers use the pair to tell "coupon stored" from "coupon in force".
type Result struct {
	Applied   bool
	Effective bool
	Discount  decimal.Decimal
}

// Evaluate prices c against b. A nil coupon yields the zero Result.
//
// The minimum cart amount is checked against the gross subtotal, while fixed
// and percentage discounts are taken from the subtotal net of product
// discounts.
func Evaluate(c *Coupon, b Basis) Result {
	if c == nil {
		return Result{Discount: decimal.Zero}
	}
	res := Result{Applied: true, Discount: decimal.Zero}
	if b.Subtotal.LessThan(c.MinimumCartAmount) {
		return res
	}
	res.Effective = true

	net := floorAtZero(b.Subtotal.Sub(b.ProductDiscount))
	switch c.Type {
	case TypeFreeShipping:
		res.Discount = floorAtZero(b.ShippingCost)
	case TypeFixed:
		res.Discount = floorAtZero(decimal.Min(c.Amount, net)).Round(2)
	case TypePercentage:
		res.Discount = floorAtZero(decimal.Min(net.Mul(c.Amount).Div(hundred), net)).Round(2)
	default:
		res.Effective = false
	}
	return res
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
