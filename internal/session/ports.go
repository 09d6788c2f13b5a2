package session

import "context"

// Identity はIDプロバイダーが認証したidentityを表す。
type Identity interface {
	UID() string
	Email() string
	EmailVerified() bool
	DisplayName() string

	// Token はベアラートークンを返す。forceRefreshがtrueの場合は必ず再発行する。
	Token(ctx context.Context, forceRefresh bool) (string, error)
	// Reload はプロバイダーからidentityの最新状態を取得し直す。
	Reload(ctx context.Context) error
}

// IdentityChangeFunc はidentityの変化通知を受け取るコールバック。
// サインアウト時はidentityにnilが渡される。
type IdentityChangeFunc func(ctx context.Context, identity Identity)

// IdentityProvider は外部IDプロバイダーのケイパビリティ。
type IdentityProvider interface {
	CreateAccount(ctx context.Context, email, password string) (Identity, error)
	Authenticate(ctx context.Context, email, password string) (Identity, error)
	SignOut(ctx context.Context) error
	SendVerification(ctx context.Context, identity Identity) error
	SendPasswordReset(ctx context.Context, email string) error
	FederatedSignIn(ctx context.Context, providerKind string) (Identity, error)

	// OnIdentityChange は変化通知を登録し、登録解除関数を返す。
	// 初回の状態確定後に登録された場合は、現在の状態で即座に呼び出される。
	OnIdentityChange(fn IdentityChangeFunc) (unsubscribe func())
	// CurrentIdentity は現在のidentityを返す。未ログインの場合はnil。
	CurrentIdentity() Identity
}

// DocumentStore は外部ドキュメントストアのケイパビリティ。
type DocumentStore interface {
	WriteRecord(ctx context.Context, collection, key string, fields map[string]any) error
	// ReadRecord はレコードを取得する。存在しない場合はnilを返す。
	ReadRecord(ctx context.Context, collection, key string) (map[string]any, error)
}

// TokenStore は永続ローカルストレージのインターフェース。
type TokenStore interface {
	// Get は値を取得する。存在しない場合はok=falseを返す。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// TextSanitizer はプロフィールの文字列フィールドからマークアップを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// MetricsRecorder はセッション操作のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordOperation(operation, outcome string)
	RecordTransition(state string)
}
