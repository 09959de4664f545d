package coupon

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// Resolver turns a user-entered code into a priceable Coupon.
type Resolver struct {
	repo Repository
}

// NewResolver creates a Resolver backed by the given Repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve normalises code, looks it up and checks that its type can be
// priced. It returns ErrInvalidCoupon for empty or unknown codes.
func (r *Resolver) Resolve(ctx context.Context, code string) (*Coupon, error) {
	code = Normalize(code)
	if code == "" {
		return nil, ErrInvalidCoupon
	}

	c, err := r.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	if !c.Type.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedType, "coupon %s has type %q", c.Code, c.Type)
	}
	if c.Amount.IsNegative() || c.MinimumCartAmount.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidCoupon, "coupon %s has negative amounts", c.Code)
	}
	if c.Type == TypePercentage && c.Amount.GreaterThan(hundred) {
		return nil, errors.Wrapf(ErrInvalidCoupon, "coupon %s takes %s%%", c.Code, c.Amount)
	}

	return c, nil
}

// Normalize trims a coupon code. Case is kept; the coupon backend owns
// matching.
func Normalize(code string) string {
	return strings.TrimSpace(code)
}
