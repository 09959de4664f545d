package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

var hundred = decimal.NewFromInt(100)

// Compute derives the Breakdown for in. The steps run in a fixed order
// because later steps consume earlier results:
//
//  1. subtotal from regular prices
//  2. product discount from sale prices
//  3. base shipping
//  4. free-shipping promotion
//  5. shipping cost
//  6. coupon discount
//  7. tax on the subtotal net of both discounts
//  8. final total
//  9. wallet offset and payable total
//
// Compute has no side effects; callers re-run it on every input change.
func Compute(in Input) (Breakdown, error) {
	if err := validateLines(in.Lines); err != nil {
		return Breakdown{}, err
	}

	var b Breakdown

	b.Subtotal, b.ProductDiscount = lineTotals(in.Lines)
	net := b.Subtotal.Sub(b.ProductDiscount)

	b.BaseShipping = baseShipping(in.Shipping, b.Subtotal)
	b.FreeShippingDiscount = freeShippingDiscount(in.FreeShipping, net, b.BaseShipping)
	b.ShippingCost = floorAtZero(b.BaseShipping.Sub(b.FreeShippingDiscount))

	cr := coupon.Evaluate(in.Coupon, coupon.Basis{
		Subtotal:        b.Subtotal,
		ProductDiscount: b.ProductDiscount,
		ShippingCost:    b.ShippingCost,
	})
	b.CouponDiscount = cr.Discount
	b.CouponApplied = cr.Applied
	b.CouponEffective = cr.Effective

	taxable := floorAtZero(net.Sub(b.CouponDiscount))
	b.TaxAmount = floorAtZero(in.Tax.Rate).Mul(taxable).Div(hundred).Round(2)

	b.FinalTotal = b.Subtotal.
		Sub(b.ProductDiscount).
		Sub(b.CouponDiscount).
		Add(b.ShippingCost).
		Add(b.TaxAmount)

	b.WalletAmountUsed = decimal.Zero
	if in.UseWallet {
		b.WalletAmountUsed = decimal.Min(floorAtZero(in.Wallet.Balance), floorAtZero(b.FinalTotal))
	}
	b.PayableTotal = floorAtZero(b.FinalTotal.Sub(b.WalletAmountUsed))

	return b, nil
}

func validateLines(lines []CartLine) error {
	for i, l := range lines {
		if l.Quantity < 1 {
			return &InvalidLineError{Index: i, ProductID: l.ProductID, Reason: "quantity must be at least 1"}
		}
		regular, _, _ := l.UnitPrices()
		if regular.IsNegative() {
			return &InvalidLineError{Index: i, ProductID: l.ProductID, Reason: "regular price must not be negative"}
		}
	}
	return nil
}

// lineTotals returns the regular-price subtotal and the sale discount summed
// over all lines.
func lineTotals(lines []CartLine) (subtotal, discount decimal.Decimal) {
	subtotal, discount = decimal.Zero, decimal.Zero
	for _, l := range lines {
		qty := decimal.NewFromInt(int64(l.Quantity))
		regular, sale, onSale := l.UnitPrices()
		subtotal = subtotal.Add(regular.Mul(qty))
		if onSale {
			discount = discount.Add(regular.Sub(sale).Mul(qty))
		}
	}
	return subtotal, discount
}

func baseShipping(p ShippingPolicy, subtotal decimal.Decimal) decimal.Decimal {
	switch p.Kind {
	case ShippingFixed:
		return floorAtZero(p.Amount)
	case ShippingPercentage:
		return floorAtZero(subtotal.Mul(p.Amount).Div(hundred)).Round(2)
	default:
		return decimal.Zero
	}
}

func freeShippingDiscount(p FreeShippingPromotion, net, base decimal.Decimal) decimal.Decimal {
	if !p.Enabled || net.LessThan(p.MinimumOrderAmount) {
		return decimal.Zero
	}
	return decimal.Min(floorAtZero(p.DiscountAmount), base)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
