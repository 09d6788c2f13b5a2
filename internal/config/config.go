package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Identity provider
	FirebaseAPIKey     string `env:"FIREBASE_API_KEY,required,notEmpty"`
	IdentityToolkitURL string `env:"IDENTITY_TOOLKIT_URL" envDefault:"https://identitytoolkit.googleapis.com/v1"`
	SecureTokenURL     string `env:"SECURE_TOKEN_URL"     envDefault:"https://securetoken.googleapis.com/v1"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET,required,notEmpty"`
	PopupTimeout       time.Duration `env:"POPUP_TIMEOUT" envDefault:"2m"`
	// コンテナ内で起動する場合は0.0.0.0の固定ポートとホストから見えるリダイレクトURLを指定する
	ConsentListenAddr  string `env:"CONSENT_LISTEN_ADDR" envDefault:"127.0.0.1:0"`
	ConsentRedirectURL string `env:"CONSENT_REDIRECT_URL"`

	// Local storage
	LocalStorePath string `env:"LOCAL_STORE_PATH" envDefault:"studyhub.db"`

	// Backend API
	APIBaseURL  string        `env:"API_BASE_URL" envDefault:"http://localhost:8000"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitAuth int `env:"RATE_LIMIT_AUTH" envDefault:"10"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	// Cookie
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"false"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:5173"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.IdentityToolkitURL = strings.TrimRight(cfg.IdentityToolkitURL, "/")
	cfg.SecureTokenURL = strings.TrimRight(cfg.SecureTokenURL, "/")
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var invalid []string
	if c.PopupTimeout <= 0 {
		invalid = append(invalid, "POPUP_TIMEOUT")
	}
	if c.HTTPTimeout <= 0 {
		invalid = append(invalid, "HTTP_TIMEOUT")
	}
	if c.RateLimitAuth <= 0 {
		invalid = append(invalid, "RATE_LIMIT_AUTH")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "LOG_LEVEL")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid environment variables: %v", invalid)
	}
	return nil
}
