// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/studyhub/internal/model"
	"github.com/hitoshi/studyhub/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストにログイン中ユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// SnapshotSource は現在のセッション状態を提供する。
// session.Adapterの部分集合として定義する。
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// NewRequireSessionMiddleware はセッションがログイン済みであることを要求するミドルウェアを返す。
// ログイン中ユーザーをリクエストコンテキストに注入する。
// 未ログインまたは初回確認前のリクエストには401 NO_ACTIVE_SESSIONを返す。
func NewRequireSessionMiddleware(source SnapshotSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := source.Snapshot()
			if snap.State != session.StateSignedIn || snap.User == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNoActiveSessionError())
				return
			}

			ctx := ContextWithUser(r.Context(), snap.User)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext はリクエストコンテキストからログイン中ユーザーを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, error) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil || user.ID == "" {
		return nil, fmt.Errorf("user not found in context")
	}
	return user, nil
}

// ContextWithUser はコンテキストにユーザーを注入する。
// ロギングミドルウェアの内側で呼ばれた場合はリクエストログにもユーザーIDを記録する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if user != nil {
		recordUserForLog(ctx, user.ID)
	}
	return context.WithValue(ctx, userContextKey, user)
}
