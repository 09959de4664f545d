package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/backend"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway/card"
	"github.com/xenking/kart-checkout/internal/gateway/cod"
	"github.com/xenking/kart-checkout/internal/gateway/wallet"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/repository"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

const serviceName = "kart-checkout"

func isProbe(r *http.Request) bool {
	return r.URL.Path == "/livez" || r.URL.Path == "/readyz"
}

func newWallet(name string, cfg WalletConfig) *wallet.Gateway {
	return wallet.New(wallet.Options{
		Name:      name,
		BaseURL:   cfg.BaseURL,
		AppKey:    cfg.AppKey,
		AppSecret: cfg.AppSecret,
		Timeout:   cfg.Timeout,
	})
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	checkoutCfg, err := cfg.CheckoutConfig()
	if err != nil {
		return errors.Wrap(err, "checkout config")
	}

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Pending order submissions survive restarts only with PostgreSQL.
	var store order.Store
	if cfg.DatabaseURL != "" {
		pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		if err := repository.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
		store = repository.NewPendingRepository(pool)
	} else {
		lg.Warn("No database configured, pending submissions are kept in memory")
		store = repository.NewMemoryPendingStore()
	}

	backendClient, err := backend.New(backend.Options{
		BaseURL:        cfg.Backend.URL,
		Token:          cfg.Backend.Token,
		Timeout:        cfg.Backend.Timeout,
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create backend client")
	}
	healthSvc.AddReadinessCheck("backend", 5*time.Second,
		health.HTTPCheck(&http.Client{Timeout: 5 * time.Second}, cfg.Backend.URL))

	gateways, err := payment.NewRegistry(
		cod.Gateway{},
		card.New(card.Options{
			BaseURL:       cfg.Card.BaseURL,
			StoreID:       cfg.Card.StoreID,
			StorePassword: cfg.Card.StorePassword,
			Timeout:       cfg.Card.Timeout,
		}),
		newWallet("bkash", cfg.BKash),
		newWallet("nagad", cfg.Nagad),
	)
	if err != nil {
		return errors.Wrap(err, "register gateways")
	}
	for _, opt := range gateways.Options() {
		lg.Info("Payment gateway",
			zap.String("name", opt.Name),
			zap.Stringer("flow", opt.Flow),
			zap.Bool("available", opt.Available),
		)
	}

	// Domain services.
	orders := order.NewService(store, backendClient)
	svc := checkout.NewService(checkoutCfg,
		backendClient,
		coupon.NewResolver(backendClient),
		orders,
		gateways,
		checkout.WithMeterProvider(m.MeterProvider()),
	)

	h := handler.NewHandler(svc,
		handler.WithPaymentLimit(httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.PaymentLimit.Max,
			Window:  cfg.PaymentLimit.Window,
			KeyFunc: handler.SessionKey,
		})),
	)

	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests())
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Route("/api", h.Routes)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Gateway calls can take as long as their own timeout.
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.RequestID(),
			httpmiddleware.Recovery(),
			middleware.RealIP,
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   isProbe,
			}),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, cfg.Checkout.SweepInterval)
	})
	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}
