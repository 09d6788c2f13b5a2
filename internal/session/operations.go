package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hitoshi/studyhub/internal/model"
)

// SignIn はメールアドレスとパスワードでログインする。
func (a *Adapter) SignIn(ctx context.Context, email, password string) (err error) {
	ctx, end := a.begin(ctx, "SignIn")
	defer func() { end(err) }()

	if strings.TrimSpace(email) == "" || password == "" {
		return model.NewValidationError("Email and password are required")
	}

	identity, err := a.provider.Authenticate(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return providerError(err)
	}
	return a.establish(ctx, identity, false, false)
}

// SignUp はアカウントを作成し、プロフィールレコードを書き込み、確認メールを送信する。
// 入力検証はプロバイダー呼び出しより前に行い、失敗時は外部への副作用を一切起こさない。
func (a *Adapter) SignUp(ctx context.Context, in SignUpInput) (err error) {
	ctx, end := a.begin(ctx, "SignUp")
	defer func() { end(err) }()

	in = in.sanitized(a.sanitizer)
	if err := in.Validate(); err != nil {
		return err
	}

	identity, err := a.provider.CreateAccount(ctx, in.Email, in.Password)
	if err != nil {
		return providerError(err)
	}

	profile := &model.Profile{
		Email:         in.Email,
		FirstName:     in.FirstName,
		LastName:      in.LastName,
		Phone:         in.Phone,
		EmailVerified: false,
		CreatedAt:     a.now(),
	}
	if err := a.docs.WriteRecord(ctx, model.ProfileCollection, identity.UID(), profile.Fields()); err != nil {
		return storeError(err)
	}

	if err := a.provider.SendVerification(ctx, identity); err != nil {
		return providerError(err)
	}

	return a.establish(ctx, identity, false, false)
}

// SignOut はログアウトする。
// プロバイダー側が失敗した場合もローカルのセッションとトークンはクリアする。
func (a *Adapter) SignOut(ctx context.Context) (err error) {
	ctx, end := a.begin(ctx, "SignOut")
	defer func() { end(err) }()

	providerErr := a.provider.SignOut(ctx)
	a.clear(ctx, false)

	if providerErr != nil {
		return providerError(providerErr)
	}
	return nil
}

// SendEmailVerification は現在のユーザーのアドレスへ確認メールを送信する。
func (a *Adapter) SendEmailVerification(ctx context.Context) (err error) {
	ctx, end := a.begin(ctx, "SendEmailVerification")
	defer func() { end(err) }()

	identity := a.provider.CurrentIdentity()
	if identity == nil {
		return model.NewNoActiveSessionError()
	}
	if err := a.provider.SendVerification(ctx, identity); err != nil {
		return providerError(err)
	}
	return nil
}

// ReloadUser はプロバイダーから現在のidentityを取得し直し、トークンを再発行する。
// emailVerifiedなどの変化はユーザービューに上書きされる。
func (a *Adapter) ReloadUser(ctx context.Context) (err error) {
	ctx, end := a.begin(ctx, "ReloadUser")
	defer func() { end(err) }()

	identity := a.provider.CurrentIdentity()
	if identity == nil {
		return model.NewNoActiveSessionError()
	}
	if err := identity.Reload(ctx); err != nil {
		return providerError(err)
	}
	return a.establish(ctx, identity, true, false)
}

// ResetPassword はパスワード再設定メールを送信する。
// 未登録アドレスでも登録済みアドレスと同じ結果を返し、登録有無を明かさない。
func (a *Adapter) ResetPassword(ctx context.Context, email string) (err error) {
	ctx, end := a.begin(ctx, "ResetPassword")
	defer func() { end(err) }()

	email = strings.TrimSpace(email)
	if email == "" {
		return model.NewValidationError("Email is required")
	}

	if err := a.provider.SendPasswordReset(ctx, email); err != nil {
		if model.HasCode(err, model.ErrCodeInvalidCredentials) {
			a.logger.Debug("password reset requested for unknown address")
			return nil
		}
		return providerError(err)
	}
	return nil
}

// SignInWithGoogle はGoogleのフェデレーションログインを行う。
// 初回ログイン時のみprovider="google"のプロフィールレコードを作成し、
// 既存レコードは上書きしない。
func (a *Adapter) SignInWithGoogle(ctx context.Context) (err error) {
	ctx, end := a.begin(ctx, "SignInWithGoogle")
	defer func() { end(err) }()

	identity, err := a.provider.FederatedSignIn(ctx, model.ProviderGoogle)
	if err != nil {
		return providerError(err)
	}

	existing, err := a.docs.ReadRecord(ctx, model.ProfileCollection, identity.UID())
	if err != nil {
		return storeError(err)
	}

	if existing == nil {
		first, last := model.SplitDisplayName(a.sanitizer.SanitizeText(identity.DisplayName()))
		profile := &model.Profile{
			Email:         identity.Email(),
			FirstName:     first,
			LastName:      last,
			EmailVerified: identity.EmailVerified(),
			Provider:      model.ProviderGoogle,
			CreatedAt:     a.now(),
		}
		if err := a.docs.WriteRecord(ctx, model.ProfileCollection, identity.UID(), profile.Fields()); err != nil {
			return storeError(err)
		}
		a.logger.Info("profile created for federated user",
			slog.String("uid", identity.UID()),
			slog.String("provider", model.ProviderGoogle),
		)
	} else if profile := model.ProfileFromFields(existing); profile.Provider != model.ProviderGoogle {
		// パスワード登録済みのアカウントにGoogleでログインした場合。レコードはそのまま残す
		a.logger.Info("federated sign-in linked to existing profile",
			slog.String("uid", identity.UID()),
		)
	}

	return a.establish(ctx, identity, false, false)
}

// begin は操作ごとのスパンを開始し、終了時にメトリクス・ログ・スパン状態を記録する関数を返す。
func (a *Adapter) begin(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := a.tracer.Start(ctx, "session."+operation)
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()

		outcome := "success"
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.logger.Warn("session operation failed",
				slog.String("operation", operation),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()),
			)
		} else {
			span.SetStatus(codes.Ok, "")
			a.logger.Info("session operation completed",
				slog.String("operation", operation),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			)
		}
		span.SetAttributes(attribute.String("session.outcome", outcome))
		a.metrics.RecordOperation(operation, outcome)
	}
}

// outcomeOf はエラーをメトリクスのラベル値に変換する。
func outcomeOf(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.Code)
	}
	return "error"
}

// providerError はプロバイダーのエラーを型付きエラーにそろえる。
// 既にAPIErrorであればメッセージを含めそのまま返す。
func providerError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return model.NewNetworkError("", err)
}

// storeError はドキュメントストアのエラーを型付きエラーに変換する。
func storeError(err error) error {
	return model.NewNetworkError("failed to access profile store: "+err.Error(), err)
}
