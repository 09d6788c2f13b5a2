// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// ProfileCollection はプロフィールレコードを保持するドキュメントストアのコレクション名。
const ProfileCollection = "users"

// ProviderGoogle はGoogleフェデレーションログインを表すプロバイダー名。
const ProviderGoogle = "google"

// User は現在ログインしているユーザーのビューを表す。
// IDプロバイダーが返すidentityのうち、プレゼンテーション層に公開する項目のみを持つ。
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
}

// Profile はドキュメントストアに保存するユーザープロフィールを表す。
// キーはIDプロバイダーのuidとする。
type Profile struct {
	Email         string
	FirstName     string
	LastName      string
	Phone         string
	EmailVerified bool
	Provider      string // フェデレーションログインで作成した場合のみ設定する
	CreatedAt     time.Time
}

// Fields はドキュメントストアに書き込むフィールドマップを返す。
func (p *Profile) Fields() map[string]any {
	fields := map[string]any{
		"email":         p.Email,
		"firstName":     p.FirstName,
		"lastName":      p.LastName,
		"phone":         p.Phone,
		"emailVerified": p.EmailVerified,
	}
	if p.Provider != "" {
		fields["provider"] = p.Provider
	}
	if !p.CreatedAt.IsZero() {
		fields["createdAt"] = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	return fields
}

// ProfileFromFields はドキュメントストアのフィールドマップからProfileを復元する。
// 型が一致しないフィールドはゼロ値のまま残す。
func ProfileFromFields(fields map[string]any) *Profile {
	if fields == nil {
		return nil
	}
	p := &Profile{}
	p.Email, _ = fields["email"].(string)
	p.FirstName, _ = fields["firstName"].(string)
	p.LastName, _ = fields["lastName"].(string)
	p.Phone, _ = fields["phone"].(string)
	p.EmailVerified, _ = fields["emailVerified"].(bool)
	p.Provider, _ = fields["provider"].(string)
	if s, ok := fields["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			p.CreatedAt = t
		}
	}
	return p
}

// SplitDisplayName は表示名を名と姓に分割する。
// 空白を含まない場合は全体を名として扱う。
func SplitDisplayName(displayName string) (first, last string) {
	parts := strings.Fields(displayName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
