package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/studyhub/internal/apiclient"
	"github.com/hitoshi/studyhub/internal/config"
	"github.com/hitoshi/studyhub/internal/database"
	"github.com/hitoshi/studyhub/internal/handler"
	"github.com/hitoshi/studyhub/internal/identity"
	"github.com/hitoshi/studyhub/internal/localstore"
	"github.com/hitoshi/studyhub/internal/logger"
	"github.com/hitoshi/studyhub/internal/metrics"
	"github.com/hitoshi/studyhub/internal/middleware"
	"github.com/hitoshi/studyhub/internal/repository"
	"github.com/hitoshi/studyhub/internal/security"
	"github.com/hitoshi/studyhub/internal/session"
)

// shutdownTimeout はグレースフルシャットダウンの待機上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込み、
// 読み込んだログレベルでロガーを再設定する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("api_base_url", cfg.APIBaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はセッションデーモンを起動する。
// 依存関係をワイヤリングし、保存済みの資格情報からセッションを復元してからHTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続（プロフィールレコード用ドキュメントストア）
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// serveはマイグレーションを適用しない。未適用のまま起動するとプロフィールの書き込みに失敗する
	schema, err := database.CurrentVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if !schema.Applied || schema.Dirty {
		return fmt.Errorf("database schema is not ready (version=%d dirty=%t); run the migrate command first", schema.Version, schema.Dirty)
	}

	// 2. 永続ローカルストレージ（ベアラートークンと資格情報）
	store, err := localstore.Open(cfg.LocalStorePath)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer store.Close()

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// 4. IDプロバイダー。同意画面のURLはイベントハブ経由で配信する
	var hub *handler.EventHub
	launcher := identity.LauncherFunc(func(ctx context.Context, consentURL string) error {
		return hub.Launch(ctx, consentURL)
	})
	consent := identity.NewLoopbackConsent(identity.ConsentConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Timeout:      cfg.PopupTimeout,
		ListenAddr:   cfg.ConsentListenAddr,
		RedirectURL:  cfg.ConsentRedirectURL,
	}, launcher, httpClient, log)
	idClient := identity.NewClient(identity.Config{
		APIKey:             cfg.FirebaseAPIKey,
		IdentityToolkitURL: cfg.IdentityToolkitURL,
		SecureTokenURL:     cfg.SecureTokenURL,
	}, httpClient, store, consent, log)

	// 5. セッションアダプター
	adapter := session.NewAdapter(idClient, repository.NewPostgresDocumentRepo(db), store, session.Options{
		Logger:    log,
		Metrics:   collector,
		Sanitizer: security.NewProfileSanitizer(),
	})
	defer adapter.Close()

	hub = handler.NewEventHub(adapter, cfg.CORSAllowedOrigin, log)
	defer hub.Close()
	snapshots, unsubscribe := adapter.Subscribe()
	defer unsubscribe()
	go hub.Run(ctx, snapshots)

	// 6. 保存済み資格情報からの復元
	if err := idClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start identity client: %w", err)
	}
	if err := adapter.Ready(ctx); err != nil {
		return fmt.Errorf("session did not resolve: %w", err)
	}
	slog.Info("session resolved", slog.String("state", string(adapter.Snapshot().State)))

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		StatusRecorder: collector,
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF:              middleware.CSRFConfig{CookieSecure: cfg.CookieSecure},
		RateLimiter:       rateLimiter,

		Session: adapter,
		Events:  hub,
		Backend: apiclient.NewClient(httpClient, cfg.APIBaseURL, adapter, collector, log),
	})

	// 8. HTTPサーバーの起動
	// フェデレーションログインは同意画面の完了までレスポンスを返さないため、
	// 書き込みタイムアウトは同意待ちの上限より長くする
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.PopupTimeout + cfg.HTTPTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	hasUser := u.User != nil
	u.User = nil
	u.RawQuery = ""
	masked := u.String()
	if hasUser {
		masked = strings.Replace(masked, "://", "://***@", 1)
	}
	return masked
}
