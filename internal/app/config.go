package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL URL for pending order submissions; kept in memory when empty" flag:"database-url"`
	// PublicURL is where customers reach this service; redirect gateways
	// send them back to it.
	PublicURL    string `default:"http://localhost:8080" usage:"Public base URL of the checkout API" flag:"public-url"`
	Backend      BackendConfig
	Checkout     CheckoutConfig
	Card         CardConfig
	BKash        WalletConfig `env:"BKASH" yaml:"bkash" flag:"bkash"`
	Nagad        WalletConfig `env:"NAGAD" yaml:"nagad" flag:"nagad"`
	RateLimit    RateLimitConfig
	PaymentLimit RateLimitConfig `usage:"Per-session limit on pay and OTP requests"`
	Graceful     GracefulConfig
}

// BackendConfig points at the storefront REST API.
type BackendConfig struct {
	URL     string        `usage:"Storefront backend base URL" flag:"backend-url"`
	Token   string        `usage:"Service bearer token used when the customer sends none" flag:"backend-token"`
	Timeout time.Duration `default:"10s" usage:"Backend request timeout"`
}

// CheckoutConfig holds the storefront settings every session prices with.
type CheckoutConfig struct {
	Currency       string        `default:"BDT"`
	ShippingID     string        `default:"1" usage:"Shipping class id"`
	TaxID          string        `default:"1" usage:"Tax class id"`
	DeliverySlots  []string      `usage:"Accepted delivery time slots; any when empty"`
	OTPMaxAttempts int           `default:"3" usage:"Wrong OTP codes allowed per challenge"`
	SessionTTL     time.Duration `default:"30m" usage:"Idle session lifetime"`
	SweepInterval  time.Duration `default:"1m" usage:"How often expired sessions are dropped"`
	FreeShipping   FreeShippingConfig
}

// FreeShippingConfig is the site-wide free shipping promotion. Amounts are
// decimal strings.
type FreeShippingConfig struct {
	Enabled            bool   `default:"false"`
	DiscountAmount     string `default:"0"`
	MinimumOrderAmount string `default:"0"`
}

// CardConfig configures the hosted card page. The gateway is listed as
// unavailable unless all credentials are set.
type CardConfig struct {
	BaseURL       string        `usage:"Card gateway API base URL"`
	StoreID       string        `usage:"Card gateway store id"`
	StorePassword string        `usage:"Card gateway store password"`
	Timeout       time.Duration `default:"30s"`
}

// WalletConfig configures an OTP mobile wallet provider. Unconfigured
// providers are listed as unavailable.
type WalletConfig struct {
	BaseURL   string        `usage:"Wallet API base URL"`
	AppKey    string        `usage:"Wallet app key"`
	AppSecret string        `usage:"Wallet app secret"`
	Timeout   time.Duration `default:"30s"`
}

// RateLimitConfig controls a sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files and flags, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend URL is required: set CHECKOUT_BACKEND_URL")
	}
	if _, err := c.CheckoutConfig(); err != nil {
		return err
	}
	return nil
}

// applyPlatformDefaults maps DATABASE_URL and PORT set by hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// CheckoutConfig converts the loaded settings to the session configuration.
func (c *Config) CheckoutConfig() (checkout.Config, error) {
	discount, err := decimal.NewFromString(c.Checkout.FreeShipping.DiscountAmount)
	if err != nil {
		return checkout.Config{}, errors.Wrap(err, "free shipping discount amount")
	}
	minimum, err := decimal.NewFromString(c.Checkout.FreeShipping.MinimumOrderAmount)
	if err != nil {
		return checkout.Config{}, errors.Wrap(err, "free shipping minimum order amount")
	}
	return checkout.Config{
		Currency:   c.Checkout.Currency,
		ShippingID: c.Checkout.ShippingID,
		TaxID:      c.Checkout.TaxID,
		FreeShipping: pricing.FreeShippingPromotion{
			Enabled:            c.Checkout.FreeShipping.Enabled,
			DiscountAmount:     discount,
			MinimumOrderAmount: minimum,
		},
		DeliverySlots:  c.Checkout.DeliverySlots,
		OTPMaxAttempts: c.Checkout.OTPMaxAttempts,
		SessionTTL:     c.Checkout.SessionTTL,
		ReturnBaseURL:  c.PublicURL,
	}, nil
}
