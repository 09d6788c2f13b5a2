// Package identity はIdentity Toolkit REST APIを利用したIDプロバイダークライアントを提供する。
//
// Client はメール/パスワード認証・Googleフェデレーション認証・確認メール送信を行い、
// ログイン中のアカウントと資格情報（リフレッシュトークン）をローカルストレージに保持する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/studyhub/internal/model"
	"github.com/hitoshi/studyhub/internal/session"
)

const (
	// DefaultIdentityToolkitURL はIdentity Toolkit APIのベースURL。
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	// DefaultSecureTokenURL はSecure Token APIのベースURL。
	DefaultSecureTokenURL = "https://securetoken.googleapis.com/v1"

	// credentialsKey はローカルストレージ上の資格情報のキー。
	credentialsKey = "identity.credentials"
	// googleProviderID はsignInWithIdpに渡すGoogleのプロバイダーID。
	googleProviderID  = "google.com"
	defaultRequestURI = "http://localhost"
)

// CredentialStore は資格情報を永続化するローカルストレージ。
type CredentialStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ConsentFlow はフェデレーション認証の同意画面を表示し、プロバイダーのアクセストークンを取得する。
type ConsentFlow interface {
	Authorize(ctx context.Context) (accessToken string, err error)
}

// Config はClientの設定。
type Config struct {
	APIKey             string
	IdentityToolkitURL string
	SecureTokenURL     string
	// RequestURI はsignInWithIdpのrequestUri。
	RequestURI string
}

// Client はIdentity Toolkit APIのクライアント。
// session.IdentityProviderを実装する。
type Client struct {
	cfg        Config
	httpClient *http.Client
	creds      CredentialStore
	consent    ConsentFlow
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	current      *Account
	resolved     bool
	listeners    map[int]session.IdentityChangeFunc
	nextListener int
}

// NewClient はClientを生成する。consentがnilの場合、フェデレーション認証は利用できない。
func NewClient(cfg Config, httpClient *http.Client, creds CredentialStore, consent ConsentFlow, logger *slog.Logger) *Client {
	if cfg.IdentityToolkitURL == "" {
		cfg.IdentityToolkitURL = DefaultIdentityToolkitURL
	}
	if cfg.SecureTokenURL == "" {
		cfg.SecureTokenURL = DefaultSecureTokenURL
	}
	if cfg.RequestURI == "" {
		cfg.RequestURI = defaultRequestURI
	}
	cfg.IdentityToolkitURL = strings.TrimRight(cfg.IdentityToolkitURL, "/")
	cfg.SecureTokenURL = strings.TrimRight(cfg.SecureTokenURL, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		creds:      creds,
		consent:    consent,
		logger:     logger,
		now:        time.Now,
		listeners:  make(map[int]session.IdentityChangeFunc),
	}
}

// storedCredentials はローカルストレージに保存する資格情報。
type storedCredentials struct {
	UID          string `json:"uid"`
	Email        string `json:"email"`
	RefreshToken string `json:"refreshToken"`
}

// authResponse はsignUp / signInWithPassword / signInWithIdpのレスポンス。
type authResponse struct {
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	FullName      string `json:"fullName"`
	EmailVerified bool   `json:"emailVerified"`
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
}

// lookupResponse はaccounts:lookupのレスポンス。
type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		DisplayName   string `json:"displayName"`
	} `json:"users"`
}

// refreshResponse はSecure Tokenのrefresh_tokenグラントのレスポンス。
type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// Start は保存済みの資格情報を検証し、初回のidentity状態を確定させる。
// 資格情報が拒否された場合は削除する。通信失敗時は資格情報を残したまま未ログインとして確定する。
func (c *Client) Start(ctx context.Context) error {
	raw, ok, err := c.creds.Get(ctx, credentialsKey)
	if err != nil {
		c.setCurrent(ctx, nil)
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if !ok {
		c.setCurrent(ctx, nil)
		return nil
	}

	var stored storedCredentials
	if err := json.Unmarshal([]byte(raw), &stored); err != nil || stored.RefreshToken == "" {
		c.logger.Warn("discarding unreadable credentials")
		c.discardCredentials(ctx)
		c.setCurrent(ctx, nil)
		return nil
	}

	acct := &Account{client: c, uid: stored.UID, email: stored.Email, refreshToken: stored.RefreshToken}
	if err := c.restore(ctx, acct); err != nil {
		if model.HasCode(err, model.ErrCodeInvalidCredentials) {
			c.logger.Info("stored credentials were rejected", slog.String("uid", stored.UID))
			c.discardCredentials(ctx)
		} else {
			c.logger.Warn("failed to restore session", slog.String("error", err.Error()))
		}
		c.setCurrent(ctx, nil)
		return nil
	}

	c.logger.Info("session restored", slog.String("uid", acct.UID()))
	c.setCurrent(ctx, acct)
	return nil
}

// restore はリフレッシュトークンでIDトークンを再発行し、アカウント情報を取得し直す。
func (c *Client) restore(ctx context.Context, acct *Account) error {
	if _, err := acct.Token(ctx, true); err != nil {
		return err
	}
	return acct.lookup(ctx)
}

// CreateAccount はメールアドレスとパスワードでアカウントを作成し、ログイン状態にする。
func (c *Client) CreateAccount(ctx context.Context, email, password string) (session.Identity, error) {
	var resp authResponse
	err := c.post(ctx, c.toolkitURL("signUp"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	acct := c.accountFromAuth(resp)
	if err := c.signedIn(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Authenticate はメールアドレスとパスワードでログインする。
func (c *Client) Authenticate(ctx context.Context, email, password string) (session.Identity, error) {
	var resp authResponse
	err := c.post(ctx, c.toolkitURL("signInWithPassword"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	acct := c.accountFromAuth(resp)
	// signInWithPasswordはemailVerifiedを返さないため取得し直す
	if err := acct.lookup(ctx); err != nil {
		return nil, err
	}
	if err := c.signedIn(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// FederatedSignIn は同意画面を経由してフェデレーション認証を行う。
func (c *Client) FederatedSignIn(ctx context.Context, providerKind string) (session.Identity, error) {
	if providerKind != model.ProviderGoogle {
		return nil, model.NewValidationError("unsupported identity provider: " + providerKind)
	}
	if c.consent == nil {
		return nil, model.NewNetworkError("federated sign-in is not configured", nil)
	}

	accessToken, err := c.consent.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	postBody := url.Values{
		"access_token": {accessToken},
		"providerId":   {googleProviderID},
	}
	var resp authResponse
	err = c.post(ctx, c.toolkitURL("signInWithIdp"), map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          c.cfg.RequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.DisplayName == "" {
		resp.DisplayName = resp.FullName
	}
	acct := c.accountFromAuth(resp)
	if err := c.signedIn(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// SignOut はローカルの資格情報を削除し、未ログイン状態にする。
// Identity Toolkitにはサーバー側のログアウトがないため、失敗はストレージ操作のみ。
func (c *Client) SignOut(ctx context.Context) error {
	err := c.creds.Remove(ctx, credentialsKey)
	c.setCurrent(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// SendVerification はidentityのアドレスへ確認メールを送信する。
func (c *Client) SendVerification(ctx context.Context, identity session.Identity) error {
	idToken, err := identity.Token(ctx, false)
	if err != nil {
		return err
	}
	return c.post(ctx, c.toolkitURL("sendOobCode"), map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     idToken,
	}, nil)
}

// SendPasswordReset はパスワード再設定メールを送信する。
// 未登録アドレスの場合はInvalidCredentialsを返す。
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, c.toolkitURL("sendOobCode"), map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// OnIdentityChange は変化通知を登録する。
// 初回の状態確定後に登録された場合は、現在の状態で即座に呼び出す。
func (c *Client) OnIdentityChange(fn session.IdentityChangeFunc) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	resolved, current := c.resolved, c.current
	c.mu.Unlock()

	if resolved {
		fn(context.Background(), identityOf(current))
	}

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// CurrentIdentity は現在のidentityを返す。未ログインの場合はnil。
func (c *Client) CurrentIdentity() session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return identityOf(c.current)
}

// signedIn は資格情報を保存し、アカウントを現在のidentityにする。
func (c *Client) signedIn(ctx context.Context, acct *Account) error {
	if err := c.saveCredentials(ctx, acct.credentials()); err != nil {
		return err
	}
	c.setCurrent(ctx, acct)
	return nil
}

// setCurrent は現在のアカウントを差し替えてリスナーへ通知する。
// リスナーはロックを解放してから同期的に呼び出す。
func (c *Client) setCurrent(ctx context.Context, acct *Account) {
	c.mu.Lock()
	c.current = acct
	c.resolved = true
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, identityOf(acct))
	}
}

// notifyIfCurrent はアカウントが現在のidentityである場合のみリスナーへ通知する。
func (c *Client) notifyIfCurrent(ctx context.Context, acct *Account) {
	c.mu.Lock()
	if c.current != acct {
		c.mu.Unlock()
		return
	}
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, acct)
	}
}

func (c *Client) snapshotListenersLocked() []session.IdentityChangeFunc {
	listeners := make([]session.IdentityChangeFunc, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func (c *Client) saveCredentials(ctx context.Context, stored storedCredentials) error {
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := c.creds.Set(ctx, credentialsKey, string(raw)); err != nil {
		return model.NewNetworkError("failed to persist credentials", err)
	}
	return nil
}

func (c *Client) discardCredentials(ctx context.Context) {
	if err := c.creds.Remove(ctx, credentialsKey); err != nil {
		c.logger.Error("failed to remove credentials", slog.String("error", err.Error()))
	}
}

func (c *Client) accountFromAuth(resp authResponse) *Account {
	acct := &Account{
		client:        c,
		uid:           resp.LocalID,
		email:         resp.Email,
		displayName:   resp.DisplayName,
		emailVerified: resp.EmailVerified,
	}
	acct.setTokens(resp.IDToken, resp.RefreshToken, resp.ExpiresIn)
	return acct
}

// exchangeRefreshToken はSecure Token APIでIDトークンを再発行する。
func (c *Client) exchangeRefreshToken(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	endpoint := c.cfg.SecureTokenURL + "/token?key=" + url.QueryEscape(c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, model.NewNetworkError("empty id token in refresh response", nil)
	}
	return &resp, nil
}

// lookupAccount はIDトークンに対応するアカウント情報を取得する。
func (c *Client) lookupAccount(ctx context.Context, idToken string) (*lookupResponse, error) {
	var resp lookupResponse
	if err := c.post(ctx, c.toolkitURL("lookup"), map[string]any{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, model.NewInvalidCredentialsError("USER_NOT_FOUND", nil)
	}
	return &resp, nil
}

func (c *Client) toolkitURL(method string) string {
	return c.cfg.IdentityToolkitURL + "/accounts:" + method + "?key=" + url.QueryEscape(c.cfg.APIKey)
}

// post はJSONボディでリクエストを送信し、レスポンスをoutにデコードする。
func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return model.NewNetworkError("request canceled", err)
		}
		return model.NewNetworkError("", fmt.Errorf("identity request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewNetworkError("", fmt.Errorf("failed to read identity response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeError(resp.StatusCode, body)
		c.logger.Warn("identity provider returned an error",
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", apiErr.Error()),
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return model.NewNetworkError("", fmt.Errorf("failed to parse identity response: %w", err))
	}
	return nil
}

// identityOf はnilの*Accountをnilインターフェースに変換する。
func identityOf(acct *Account) session.Identity {
	if acct == nil {
		return nil
	}
	return acct
}

// compile-time interface check
var _ session.IdentityProvider = (*Client)(nil)
