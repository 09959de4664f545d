package checkout

import (
	"strings"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/otp"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Config holds the storefront settings a session needs. It is resolved once
// at startup and injected; sessions never look settings up on their own.
type Config struct {
	Currency      string
	ShippingID    string
	TaxID         string
	FreeShipping  pricing.FreeShippingPromotion
	DeliverySlots []string
	// OTPMaxAttempts bounds wrong codes per challenge.
	OTPMaxAttempts int
	// SessionTTL is how long an untouched session is kept. Sessions holding
	// a pending order submission are kept regardless.
	SessionTTL time.Duration
	// ReturnBaseURL is the public base URL redirect gateways send the
	// customer back to.
	ReturnBaseURL string
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "BDT"
	}
	if c.OTPMaxAttempts < 1 {
		c.OTPMaxAttempts = otp.DefaultMaxAttempts
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	c.ReturnBaseURL = strings.TrimSuffix(c.ReturnBaseURL, "/")
	return c
}

// slotAllowed reports whether slot is a configured delivery slot. With no
// slots configured any non-empty value is accepted.
func (c Config) slotAllowed(slot string) bool {
	slot = strings.TrimSpace(slot)
	if slot == "" {
		return false
	}
	if len(c.DeliverySlots) == 0 {
		return true
	}
	for _, s := range c.DeliverySlots {
		if strings.EqualFold(s, slot) {
			return true
		}
	}
	return false
}

func (c Config) returnURL(sessionID string) string {
	return c.ReturnBaseURL + "/api/checkout/" + sessionID + "/return"
}
