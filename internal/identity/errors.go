package identity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/studyhub/internal/model"
)

// errorResponse はIdentity Toolkit / Secure Tokenのエラーレスポンス。
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// reasonOf はプロバイダーのエラーメッセージから理由コードを取り出す。
// 例: "WEAK_PASSWORD : Password should be at least 6 characters" → "WEAK_PASSWORD"
func reasonOf(message string) string {
	reason, _, _ := strings.Cut(message, " ")
	return strings.TrimSpace(reason)
}

// mapProviderError はプロバイダーのエラーメッセージを型付きエラーに変換する。
// メッセージはそのまま利用者に渡す。
func mapProviderError(status int, message string) error {
	cause := fmt.Errorf("identity provider returned status %d: %s", status, message)
	reason := reasonOf(message)

	switch {
	case reason == "EMAIL_EXISTS":
		return model.NewEmailInUseError(message, cause)
	case reason == "WEAK_PASSWORD":
		return model.NewWeakPasswordError(message, cause)
	case reason == "EMAIL_NOT_FOUND",
		reason == "INVALID_PASSWORD",
		reason == "INVALID_LOGIN_CREDENTIALS",
		reason == "USER_DISABLED",
		reason == "INVALID_REFRESH_TOKEN",
		reason == "TOKEN_EXPIRED",
		reason == "USER_NOT_FOUND",
		reason == "INVALID_ID_TOKEN":
		return model.NewInvalidCredentialsError(message, cause)
	case reason == "INVALID_EMAIL", strings.HasPrefix(reason, "MISSING_"):
		return model.NewValidationError(message)
	default:
		return model.NewNetworkError(message, cause)
	}
}

// decodeError はエラーレスポンスのボディを型付きエラーに変換する。
func decodeError(status int, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error.Message == "" {
		return model.NewNetworkError(
			fmt.Sprintf("identity provider returned status %d", status),
			fmt.Errorf("unexpected error body: %s", string(body)),
		)
	}
	return mapProviderError(status, resp.Error.Message)
}
