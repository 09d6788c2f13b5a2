// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, network, system
	Action   string // ユーザー向け対処方法

	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元になったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeEmailInUse         = "EMAIL_IN_USE"
	ErrCodePopupClosed        = "POPUP_CLOSED"
	ErrCodeNoActiveSession    = "NO_ACTIVE_SESSION"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
)

// HasCode はerrのチェーンに指定コードのAPIErrorが含まれるかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError は入力検証エラーを生成する。
// ネットワーク呼び出し前に検出されるため、causeを持たない。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewWeakPasswordError はパスワード強度不足エラーを生成する。
// cause がnilの場合はクライアント側の検証で検出したことを表す。
func NewWeakPasswordError(message string, cause error) *APIError {
	if message == "" {
		message = "Password must be at least 6 characters"
	}
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  message,
		Category: "validation",
		Action:   "6文字以上のパスワードを入力してください。",
		cause:    cause,
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError(message string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  message,
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認してください。",
		cause:    cause,
	}
}

// NewEmailInUseError はメールアドレス重複エラーを生成する。
func NewEmailInUseError(message string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeEmailInUse,
		Message:  message,
		Category: "auth",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
		cause:    cause,
	}
}

// NewPopupClosedError はフェデレーションログインの同意画面が閉じられた場合のエラーを生成する。
func NewPopupClosedError(message string, cause error) *APIError {
	if message == "" {
		message = "The sign-in popup was closed before completing the sign in."
	}
	return &APIError{
		Code:     ErrCodePopupClosed,
		Message:  message,
		Category: "auth",
		Action:   "もう一度ログインをやり直してください。",
		cause:    cause,
	}
}

// NewNoActiveSessionError はログインしていない状態で操作した場合のエラーを生成する。
func NewNoActiveSessionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveSession,
		Message:  "No user logged in",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewNetworkError はプロバイダーや通信経路の失敗を表すエラーを生成する。
func NewNetworkError(message string, cause error) *APIError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  message,
		Category: "network",
		Action:   "通信状態を確認し、しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}

// NewUnauthorizedError はバックエンドがベアラートークンを拒否した場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Unauthorized",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
