package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studyhub/internal/middleware"
)

// HealthChecker は依存先の疎通確認を行う。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger         *slog.Logger
	StatusRecorder middleware.StatusRecorder
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	Session SessionService
	Events  *EventHub
	Backend BackendAPI
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS
//
// 状態変更ルートはCSRF検証を通過する必要がある。
// 認証系ルートはクライアントIP単位、バックエンドプロキシはユーザー単位でレート制限する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Session)
	apiHandler := NewAPIHandler(deps.Backend, deps.Session)

	// --- 運用ルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/session", authHandler.GetSession)
		if deps.Events != nil {
			r.Get("/session/events", deps.Events.HandleEvents)
		}

		r.Route("/auth", func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())

			r.Post("/signin", authHandler.SignIn)
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signout", authHandler.SignOut)
			r.Post("/verification", authHandler.SendEmailVerification)
			r.Post("/reload", authHandler.ReloadUser)
			r.Post("/password-reset", authHandler.ResetPassword)
			r.Post("/google", authHandler.SignInWithGoogle)
		})

		// --- ログインが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireSessionMiddleware(deps.Session))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/me", apiHandler.GetUserInfo)
			r.Get("/files", apiHandler.ListFiles)
			r.Post("/progress", apiHandler.SaveProgress)
			r.Post("/tests", apiHandler.GenerateTest)
		})
	})

	return r
}

// healthHandler はデータベースへの疎通を確認するハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
