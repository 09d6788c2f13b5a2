package identity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/studyhub/internal/session"
)

// tokenExpirySkew は期限切れ前にIDトークンを再発行する猶予。
const tokenExpirySkew = 5 * time.Minute

// Account はログイン中のアカウント。session.Identityを実装する。
type Account struct {
	client *Client

	mu            sync.Mutex
	uid           string
	email         string
	displayName   string
	emailVerified bool
	idToken       string
	refreshToken  string
	expiresAt     time.Time
}

// UID はアカウントIDを返す。
func (a *Account) UID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uid
}

// Email はメールアドレスを返す。
func (a *Account) Email() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.email
}

// EmailVerified はメールアドレスが確認済みかを返す。
func (a *Account) EmailVerified() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emailVerified
}

// DisplayName は表示名を返す。
func (a *Account) DisplayName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.displayName
}

// Token はIDトークンを返す。
// forceRefreshがtrueの場合、または有効期限まで5分を切っている場合は再発行する。
func (a *Account) Token(ctx context.Context, forceRefresh bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !forceRefresh && a.idToken != "" && a.client.now().Add(tokenExpirySkew).Before(a.expiresAt) {
		return a.idToken, nil
	}

	resp, err := a.client.exchangeRefreshToken(ctx, a.refreshToken)
	if err != nil {
		return "", err
	}
	if resp.UserID != "" {
		a.uid = resp.UserID
	}
	a.setTokensLocked(resp.IDToken, resp.RefreshToken, resp.ExpiresIn)

	if err := a.client.saveCredentials(ctx, a.credentialsLocked()); err != nil {
		return "", err
	}
	return a.idToken, nil
}

// Reload はアカウント情報をプロバイダーから取得し直し、変化をリスナーへ通知する。
func (a *Account) Reload(ctx context.Context) error {
	if err := a.lookup(ctx); err != nil {
		return err
	}
	a.client.notifyIfCurrent(ctx, a)
	return nil
}

// lookup はaccounts:lookupでメールアドレス・確認状態・表示名を更新する。
func (a *Account) lookup(ctx context.Context) error {
	idToken, err := a.Token(ctx, false)
	if err != nil {
		return err
	}
	resp, err := a.client.lookupAccount(ctx, idToken)
	if err != nil {
		return err
	}

	user := resp.Users[0]
	a.mu.Lock()
	defer a.mu.Unlock()
	a.email = user.Email
	a.emailVerified = user.EmailVerified
	if user.DisplayName != "" {
		a.displayName = user.DisplayName
	}
	return nil
}

func (a *Account) setTokens(idToken, refreshToken, expiresIn string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setTokensLocked(idToken, refreshToken, expiresIn)
}

func (a *Account) setTokensLocked(idToken, refreshToken, expiresIn string) {
	a.idToken = idToken
	if refreshToken != "" {
		a.refreshToken = refreshToken
	}
	a.expiresAt = a.client.expiryOf(idToken, expiresIn)
}

func (a *Account) credentials() storedCredentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credentialsLocked()
}

func (a *Account) credentialsLocked() storedCredentials {
	return storedCredentials{UID: a.uid, Email: a.email, RefreshToken: a.refreshToken}
}

// expiryOf はIDトークンのexpクレームから有効期限を求める。
// トークンの署名はプロバイダーが保証するため検証しない。
// expを読めない場合はexpiresIn（秒）を使い、それも無ければ即時期限切れとして扱う。
func (c *Client) expiryOf(idToken, expiresIn string) time.Time {
	if idToken != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				return exp.Time
			}
		}
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil {
		return c.now().Add(time.Duration(secs) * time.Second)
	}
	return c.now()
}

// compile-time interface check
var _ session.Identity = (*Account)(nil)
