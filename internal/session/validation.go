package session

import (
	"strings"

	"github.com/hitoshi/studyhub/internal/model"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// SignUpInput はアカウント登録の入力。
type SignUpInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	FirstName       string
	LastName        string
	Phone           string
}

// Validate はネットワーク呼び出し前の入力検証を行う。
// 検証順序: 必須項目 → パスワード確認 → パスワード長。
func (in SignUpInput) Validate() error {
	if strings.TrimSpace(in.Email) == "" ||
		strings.TrimSpace(in.FirstName) == "" ||
		strings.TrimSpace(in.LastName) == "" ||
		strings.TrimSpace(in.Phone) == "" {
		return model.NewValidationError("Please fill in all fields")
	}
	if in.Password != in.ConfirmPassword {
		return model.NewValidationError("Passwords do not match")
	}
	if len([]rune(in.Password)) < MinPasswordLength {
		return model.NewWeakPasswordError("", nil)
	}
	return nil
}

// sanitized はプロフィール項目からマークアップを除去し、前後の空白を取り除いた入力を返す。
// パスワードは変更しない。
func (in SignUpInput) sanitized(s TextSanitizer) SignUpInput {
	in.Email = strings.TrimSpace(in.Email)
	in.FirstName = strings.TrimSpace(s.SanitizeText(in.FirstName))
	in.LastName = strings.TrimSpace(s.SanitizeText(in.LastName))
	in.Phone = strings.TrimSpace(s.SanitizeText(in.Phone))
	return in
}
