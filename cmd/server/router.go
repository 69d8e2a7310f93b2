package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mihaimyh/leadledger/internal/config"
	ledgerhttp "github.com/mihaimyh/leadledger/middleware/http"
	"github.com/mihaimyh/leadledger/pkg/api"
	"github.com/mihaimyh/leadledger/pkg/billing"
	"github.com/mihaimyh/leadledger/pkg/ledger"
)

type routerDeps struct {
	Ledger   api.Ledger
	Jobs     api.Jobs
	Payments billing.PaymentIntents
	// Webhook is the payment provider's webhook handler. Nil disables it.
	Webhook http.Handler
	// Ping checks storage for /readyz. Nil means always ready.
	Ping   func(context.Context) error
	Logger ledger.Logger
	// AccessLog receives one event per request. Optional.
	AccessLog *zerolog.Logger
}

func newRouter(cfg *config.Config, deps routerDeps) (http.Handler, error) {
	packs := make(map[string]api.CreditPack, len(cfg.CreditPacks))
	for _, p := range cfg.CreditPacks {
		packs[p.Name] = api.CreditPack{Credits: p.Credits, AmountMinor: p.AmountMinor, Currency: cfg.Stripe.Currency}
	}

	authConfig := ledgerhttp.Config{
		JWTSecret:     []byte(cfg.Auth.JWTSecret),
		AccountHeader: cfg.Auth.AccountHeader,
	}
	if err := authConfig.Validate(); err != nil {
		return nil, err
	}

	handler, err := api.NewHandler(api.Config{
		Ledger:          deps.Ledger,
		Jobs:            deps.Jobs,
		Payments:        deps.Payments,
		CreditPacks:     packs,
		GetAccountID:    ledgerhttp.FromContext(),
		Authenticate:    ledgerhttp.Authenticate(authConfig),
		WorkerAuth:      ledgerhttp.WorkerToken(cfg.Worker.CallbackToken),
		StartJobLimiter: ledgerhttp.RateLimitByAccount(cfg.HTTP.StartJobRateLimit),
		Logger:          deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if deps.AccessLog != nil {
		r.Use(hlog.NewHandler(*deps.AccessLog))
		r.Use(hlog.AccessHandler(logRequest))
	}
	r.Use(middleware.Recoverer)

	if len(cfg.HTTP.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	if deps.Webhook != nil {
		r.Handle("/webhooks/stripe", deps.Webhook)
	}

	r.Mount("/", handler.Routes())
	return r, nil
}

func logRequest(r *http.Request, status, size int, duration time.Duration) {
	event := hlog.FromRequest(r).Info()
	if status >= http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}
