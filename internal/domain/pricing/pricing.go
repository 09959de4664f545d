// Package pricing computes the payable total of a cart from externally
// configured tax, shipping, promotion and coupon policies.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// Variation is the option a customer picked for a variable product. When a
// line carries one, its prices replace the product prices.
type Variation struct {
	ID           string
	RegularPrice decimal.Decimal
	SalePrice    *decimal.Decimal
}

// CartLine is a single cart entry as supplied by the cart collaborator.
type CartLine struct {
	ProductID    string
	Variation    *Variation
	Quantity     int
	RegularPrice decimal.Decimal
	SalePrice    *decimal.Decimal
}

// UnitPrices returns the regular unit price and, when one applies, the sale
// unit price. A sale price applies only when it is positive and strictly
// below the regular price.
func (l CartLine) UnitPrices() (regular decimal.Decimal, sale decimal.Decimal, onSale bool) {
	regular, salePtr := l.RegularPrice, l.SalePrice
	if l.Variation != nil {
		regular, salePtr = l.Variation.RegularPrice, l.Variation.SalePrice
	}
	if salePtr == nil || !salePtr.IsPositive() || !salePtr.LessThan(regular) {
		return regular, regular, false
	}
	return regular, *salePtr, true
}

// TaxPolicy is the tax class applied to the order.
type TaxPolicy struct {
	ID   string
	Rate decimal.Decimal // percent
}

// ShippingKind selects how the base shipping cost is derived.
type ShippingKind string

const (
	ShippingFree       ShippingKind = "free"
	ShippingFixed      ShippingKind = "fixed"
	ShippingPercentage ShippingKind = "percentage"
)

// ShippingPolicy is the shipping class applied to the order.
type ShippingPolicy struct {
	ID     string
	Kind   ShippingKind
	Amount decimal.Decimal
}

// FreeShippingPromotion is the site-wide threshold rule that discounts the
// shipping line.
type FreeShippingPromotion struct {
	Enabled            bool
	DiscountAmount     decimal.Decimal
	MinimumOrderAmount decimal.Decimal
}

// Wallet is the customer's stored balance.
type Wallet struct {
	Balance decimal.Decimal
}

// Input bundles everything Compute needs. All fields are read-only.
type Input struct {
	Lines        []CartLine
	Tax          TaxPolicy
	Shipping     ShippingPolicy
	FreeShipping FreeShippingPromotion
	Coupon       *coupon.Coupon
	Wallet       Wallet
	UseWallet    bool
}

// Breakdown is the fully derived pricing result.
//
// FinalTotal = Subtotal - ProductDiscount - CouponDiscount + ShippingCost + TaxAmount
// PayableTotal = max(0, FinalTotal - WalletAmountUsed)
type Breakdown struct {
	Subtotal             decimal.Decimal
	ProductDiscount      decimal.Decimal
	CouponDiscount       decimal.Decimal
	BaseShipping         decimal.Decimal
	FreeShippingDiscount decimal.Decimal
	ShippingCost         decimal.Decimal
	TaxAmount            decimal.Decimal
	FinalTotal           decimal.Decimal
	WalletAmountUsed     decimal.Decimal
	PayableTotal         decimal.Decimal

	CouponApplied   bool
	CouponEffective bool
}

// InvalidLineError reports a cart line that cannot be priced.
type InvalidLineError struct {
	Index     int
	ProductID string
	Reason    string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("cart line %d (product %s): %s", e.Index, e.ProductID, e.Reason)
}
