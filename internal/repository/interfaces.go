// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
)

// DocumentRepository はコレクションとキーで識別されるドキュメントの永続化インターフェース。
// フィールドはJSONオブジェクトとして保存する。
type DocumentRepository interface {
	// WriteRecord はドキュメントを作成または上書きする。
	WriteRecord(ctx context.Context, collection, key string, fields map[string]any) error

	// ReadRecord は指定したドキュメントを取得する。見つからない場合はnilを返す。
	ReadRecord(ctx context.Context, collection, key string) (map[string]any, error)
}
