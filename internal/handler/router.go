package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trade-settlement-service/config"
	"trade-settlement-service/internal/middleware"
)

// NewRouter はルーターを生成する。metrics が nil の場合 /metrics は公開しない。
func NewRouter(h *Handler, cfg *config.Config, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", middleware.ParticipantHeader},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Use(limiter.Middleware)

		// 参照系
		r.Get("/keys/{owner}", h.GetKey)
		r.Get("/entropy", h.GenerateEntropy)
		r.Get("/trades", h.ListTrades)
		r.Get("/trades/{trade_id}", h.GetTrade)
		r.Get("/stats", h.GetStats)
		r.Get("/system", h.GetSystemState)
		r.Get("/roles/{identity}", h.ListRoles)
		r.Get("/accounts/{owner}", h.GetBalance)
		r.Get("/events", h.ListEvents)
		r.Get("/events/verify", h.VerifyEvents)

		// 更新系は参加者IDが必須
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireParticipant)

			r.Post("/keys", h.RegisterKey)
			r.Post("/keys/expire", h.ExpireKeys)
			r.Delete("/keys/{owner}", h.DeactivateKey)

			r.Post("/trades", h.CreateTrade)
			r.Post("/trades/{trade_id}/confirm", h.ConfirmTrade)
			r.Post("/trades/{trade_id}/settle", h.SettleTrade)
			r.Post("/trades/{trade_id}/cancel", h.CancelTrade)

			r.Post("/accounts/{owner}/credit", h.CreditAccount)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/pause", h.Pause)
				r.Post("/unpause", h.Unpause)
				r.Put("/roles/{role}/members/{identity}", h.GrantRole)
				r.Delete("/roles/{role}/members/{identity}", h.RevokeRole)
			})
		})
	})

	if !cfg.OtelEnabled {
		return r
	}
	return otelhttp.NewHandler(r, "trade-settlement-service",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
