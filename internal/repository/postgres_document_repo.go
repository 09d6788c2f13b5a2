package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/studyhub/internal/session"
)

// PostgresDocumentRepo はPostgreSQLのJSONBカラムを使用したドキュメントリポジトリ。
type PostgresDocumentRepo struct {
	db *sql.DB
}

// NewPostgresDocumentRepo はPostgresDocumentRepoを生成する。
func NewPostgresDocumentRepo(db *sql.DB) *PostgresDocumentRepo {
	return &PostgresDocumentRepo{db: db}
}

// WriteRecord はドキュメントを作成または上書きする。
// 上書き時もcreated_atは最初の書き込み時刻を保持する。
func (r *PostgresDocumentRepo) WriteRecord(ctx context.Context, collection, key string, fields map[string]any) error {
	if err := validateDocumentKey(collection, key); err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]any{}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode document fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (collection, key)
		 DO UPDATE SET fields = EXCLUDED.fields, updated_at = now()`,
		collection, key, data,
	)
	if err != nil {
		return fmt.Errorf("failed to write document %s/%s: %w", collection, key, err)
	}
	return nil
}

// ReadRecord は指定したドキュメントを取得する。見つからない場合はnilを返す。
func (r *PostgresDocumentRepo) ReadRecord(ctx context.Context, collection, key string) (map[string]any, error) {
	if err := validateDocumentKey(collection, key); err != nil {
		return nil, err
	}

	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s/%s: %w", collection, key, err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, key, err)
	}
	return fields, nil
}

func validateDocumentKey(collection, key string) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return fmt.Errorf("document collection and key are required")
	}
	return nil
}

// compile-time interface checks
var (
	_ DocumentRepository    = (*PostgresDocumentRepo)(nil)
	_ session.DocumentStore = (*PostgresDocumentRepo)(nil)
)
