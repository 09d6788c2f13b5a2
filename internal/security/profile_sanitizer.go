// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はプロフィールの文字列フィールドからHTMLマークアップを取り除き、
// ドキュメントストアへのスクリプト混入を防ぐ。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はbluemondayのStrictPolicyでタグをすべて除去するサニタイザー。
// bluemonday.Policyはスレッドセーフなため、1インスタンスを共有して使用する。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxSanitizePasses は多重エンコードされた入力を復号しきるまでの最大反復回数。
const maxSanitizePasses = 8

// SanitizeText はタグを除去したプレーンテキストを返す。
// 文字実体で書かれたタグも復号後に除去されるよう、出力が変化しなくなるまで
// サニタイズと復号を繰り返す。収束しない場合は山括弧を取り除く。
func (s *ProfileSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}

	text := raw
	for i := 0; i < maxSanitizePasses; i++ {
		plain := html.UnescapeString(s.policy.Sanitize(text))
		if plain == text {
			return strings.TrimSpace(text)
		}
		text = plain
	}
	return strings.TrimSpace(angleBrackets.Replace(text))
}

var angleBrackets = strings.NewReplacer("<", "", ">", "")
