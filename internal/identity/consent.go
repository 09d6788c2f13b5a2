package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/studyhub/internal/model"
)

const (
	defaultConsentTimeout = 2 * time.Minute
	defaultListenAddr     = "127.0.0.1:0"
	callbackPath          = "/callback"
)

// Launcher は同意画面のURLを利用者に提示する。
type Launcher interface {
	Launch(ctx context.Context, consentURL string) error
}

// LauncherFunc は関数をLauncherとして扱うアダプター。
type LauncherFunc func(ctx context.Context, consentURL string) error

// Launch はf(ctx, consentURL)を呼び出す。
func (f LauncherFunc) Launch(ctx context.Context, consentURL string) error {
	return f(ctx, consentURL)
}

// ConsentConfig はGoogle OAuth同意フローの設定。
type ConsentConfig struct {
	ClientID     string
	ClientSecret string
	Timeout      time.Duration

	// ListenAddr はリダイレクトを受け取るアドレス。空の場合は127.0.0.1の空きポート。
	ListenAddr string
	// RedirectURL はプロバイダーに渡すリダイレクトURI。空の場合はリスナーのアドレスから組み立てる。
	// コンテナ内で待ち受ける場合はホスト側から見えるURLを指定する。
	RedirectURL string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// LoopbackConsent はループバックアドレスでリダイレクトを受け取る認可コードフロー。
// ConsentFlowを実装する。
type LoopbackConsent struct {
	oauth       oauth2.Config
	launcher    Launcher
	timeout     time.Duration
	listenAddr  string
	redirectURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewLoopbackConsent はLoopbackConsentを生成する。
func NewLoopbackConsent(cfg ConsentConfig, launcher Launcher, httpClient *http.Client, logger *slog.Logger) *LoopbackConsent {
	endpoint := endpoints.Google
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConsentTimeout
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackConsent{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		launcher:    launcher,
		timeout:     cfg.Timeout,
		listenAddr:  cfg.ListenAddr,
		redirectURL: cfg.RedirectURL,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// callbackResult はリダイレクトで受け取った結果。
type callbackResult struct {
	code string
	err  error
}

// Authorize は同意画面を提示してリダイレクトを待ち、認可コードをアクセストークンに交換する。
// 利用者が拒否した場合・タイムアウト・キャンセル時はPopupClosedを返す。
func (l *LoopbackConsent) Authorize(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", l.listenAddr)
	if err != nil {
		return "", model.NewNetworkError("failed to start consent listener", err)
	}

	state, err := generateState()
	if err != nil {
		ln.Close()
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	conf := l.oauth
	conf.RedirectURL = l.redirectURL
	if conf.RedirectURL == "" {
		conf.RedirectURL = "http://" + ln.Addr().String() + callbackPath
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// stateが一致しないリダイレクトは無視して本来のリダイレクトを待ち続ける
		if q.Get("error") == "" && q.Get("state") != state {
			l.logger.Warn("ignoring consent callback with invalid state")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Invalid sign-in request.")
			return
		}

		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = model.NewPopupClosedError("", fmt.Errorf("consent denied: %s", q.Get("error")))
		case q.Get("code") == "":
			res.err = model.NewValidationError("missing authorization code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Sign-in was not completed. You can close this window.")
		} else {
			fmt.Fprintln(w, "Sign-in complete. You can close this window.")
		}

		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("consent listener stopped", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	consentURL := conf.AuthCodeURL(state, oauth2.AccessTypeOnline)
	l.logger.Info("waiting for federated sign-in consent", slog.String("url", consentURL))
	if l.launcher != nil {
		if err := l.launcher.Launch(ctx, consentURL); err != nil {
			return "", model.NewPopupClosedError("", fmt.Errorf("failed to open consent page: %w", err))
		}
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	var res callbackResult
	select {
	case res = <-results:
	case <-timer.C:
		return "", model.NewPopupClosedError("", errors.New("consent timed out"))
	case <-ctx.Done():
		return "", model.NewPopupClosedError("", ctx.Err())
	}
	if res.err != nil {
		return "", res.err
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, l.httpClient)
	token, err := conf.Exchange(exchangeCtx, res.code)
	if err != nil {
		return "", model.NewNetworkError("failed to exchange authorization code", err)
	}
	if token.AccessToken == "" {
		return "", model.NewNetworkError("empty access token in response", nil)
	}
	return token.AccessToken, nil
}

// generateState は暗号的に安全なstateパラメータを生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// compile-time interface check
var _ ConsentFlow = (*LoopbackConsent)(nil)
