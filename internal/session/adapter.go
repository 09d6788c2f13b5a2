// Package session はセッション状態を一元管理するアダプターを提供する。
//
// Adapter はIDプロバイダーとドキュメントストアへのすべての操作を仲介し、
// 現在のユーザー・ロード状態・ベアラートークンを保持する唯一の書き込み主体である。
// 利用側はSnapshotとSubscribeを通じて読み取り専用のコピーのみを受け取る。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/studyhub/internal/model"
)

// TokenKey は永続ローカルストレージ上のベアラートークンのキー。
const TokenKey = "authToken"

// State はセッションの状態を表す。
type State string

const (
	// StateUnresolved は起動直後、初回のidentity確認が完了する前の状態。
	StateUnresolved State = "unresolved"
	// StateSignedOut は未ログイン状態。
	StateSignedOut State = "signed_out"
	// StateSignedIn はログイン済み状態。
	StateSignedIn State = "signed_in"
)

// Snapshot はある時点のセッション状態の読み取り専用コピー。
type Snapshot struct {
	User    *model.User `json:"user"`
	Loading bool        `json:"loading"`
	State   State       `json:"state"`
}

// Options はAdapterの任意設定。
type Options struct {
	Logger    *slog.Logger
	Metrics   MetricsRecorder
	Sanitizer TextSanitizer
	Now       func() time.Time
}

// Adapter はセッション/identityアダプター。
type Adapter struct {
	provider  IdentityProvider
	docs      DocumentStore
	tokens    TokenStore
	sanitizer TextSanitizer
	metrics   MetricsRecorder
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.RWMutex
	user    *model.User
	token   string
	loading bool
	ready   chan struct{}
	subs    map[int]chan Snapshot
	nextSub int

	unsubscribe func()
}

// NewAdapter はAdapterを生成し、IDプロバイダーの変化通知を購読する。
// 購読は生成時に1回だけ行い、Closeで解除する。
func NewAdapter(provider IdentityProvider, docs DocumentStore, tokens TokenStore, opts Options) *Adapter {
	a := &Adapter{
		provider:  provider,
		docs:      docs,
		tokens:    tokens,
		sanitizer: opts.Sanitizer,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		tracer:    otel.Tracer("github.com/hitoshi/studyhub/internal/session"),
		now:       opts.Now,
		loading:   true,
		ready:     make(chan struct{}),
		subs:      make(map[int]chan Snapshot),
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	if a.sanitizer == nil {
		a.sanitizer = passthroughSanitizer{}
	}
	if a.now == nil {
		a.now = time.Now
	}

	a.unsubscribe = provider.OnIdentityChange(a.handleIdentityChange)
	return a
}

// Close はIDプロバイダーの購読を解除し、全サブスクライバーのチャネルを閉じる。
func (a *Adapter) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
}

// Snapshot は現在のセッション状態のコピーを返す。
func (a *Adapter) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// Token は現在のベアラートークンを返す。未ログインの場合はok=false。
func (a *Adapter) Token() (token string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token, a.token != ""
}

// Ready は初回のidentity確認が完了するまで待機する。
func (a *Adapter) Ready(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe はセッション変化の通知チャネルを返す。
// 登録直後に現在の状態が1件送られる。受信が遅れた場合は最新の状態のみが残る。
func (a *Adapter) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	ch <- a.snapshotLocked()
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if c, ok := a.subs[id]; ok {
				close(c)
				delete(a.subs, id)
			}
		})
	}
	return ch, cancel
}

// handleIdentityChange はIDプロバイダーからの変化通知を処理する。
// 操作ハンドラー以外でセッションを書き換える唯一の経路。
func (a *Adapter) handleIdentityChange(ctx context.Context, identity Identity) {
	if identity == nil {
		a.clear(ctx, true)
		return
	}

	if err := a.establish(ctx, identity, false, true); err != nil {
		a.logger.Error("failed to establish session from identity change",
			slog.String("uid", identity.UID()),
			slog.String("error", err.Error()),
		)
		a.clear(ctx, true)
	}
}

// establish はトークンを取得・永続化してからログイン状態へ遷移する。
// userとtokenは同じ遷移で同時に設定される。
func (a *Adapter) establish(ctx context.Context, identity Identity, forceRefresh, resolve bool) error {
	token, err := identity.Token(ctx, forceRefresh)
	if err != nil {
		return providerError(err)
	}
	if err := a.tokens.Set(ctx, TokenKey, token); err != nil {
		return model.NewNetworkError("failed to persist token", err)
	}

	a.transition(userFromIdentity(identity), token, resolve)
	return nil
}

// clear は永続化されたトークンを削除し、未ログイン状態へ遷移する。
// ストレージの削除に失敗してもメモリ上の状態はクリアする。
func (a *Adapter) clear(ctx context.Context, resolve bool) {
	if err := a.tokens.Remove(ctx, TokenKey); err != nil {
		a.logger.Error("failed to remove persisted token", slog.String("error", err.Error()))
	}
	a.transition(nil, "", resolve)
}

// transition はセッション状態を更新してサブスクライバーに通知する。
// resolveがtrueの場合、loadingを一度だけfalseにする。
func (a *Adapter) transition(user *model.User, token string, resolve bool) {
	a.mu.Lock()
	a.user = user
	a.token = token
	if resolve && a.loading {
		a.loading = false
		close(a.ready)
	}
	snap := a.snapshotLocked()
	for _, ch := range a.subs {
		publish(ch, snap)
	}
	a.mu.Unlock()

	a.metrics.RecordTransition(string(snap.State))
}

func (a *Adapter) snapshotLocked() Snapshot {
	snap := Snapshot{Loading: a.loading}
	if a.user != nil {
		u := *a.user
		snap.User = &u
	}
	switch {
	case a.loading && a.user == nil:
		snap.State = StateUnresolved
	case a.user != nil:
		snap.State = StateSignedIn
	default:
		snap.State = StateSignedOut
	}
	return snap
}

// publish はブロックせずにスナップショットを送る。バッファが埋まっている場合は古い値を捨てる。
func publish(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func userFromIdentity(identity Identity) *model.User {
	return &model.User{
		ID:            identity.UID(),
		Email:         identity.Email(),
		EmailVerified: identity.EmailVerified(),
		DisplayName:   identity.DisplayName(),
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(string, string) {}
func (noopMetrics) RecordTransition(string)        {}

type passthroughSanitizer struct{}

func (passthroughSanitizer) SanitizeText(s string) string { return s }
