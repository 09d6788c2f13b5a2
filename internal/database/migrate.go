// Package database はドキュメントストアの接続とスキーマ管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion はスキーマの適用状況を表す。
type SchemaVersion struct {
	Version uint
	Dirty   bool
	// Applied は一度もマイグレーションが適用されていない場合にfalseとなる。
	Applied bool
}

// NewMigrator は埋め込みマイグレーションを読み込むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、適用後のバージョンを返す。
// すでに最新の場合はエラーなしで返る。
// 前回の実行が途中で失敗してdirtyのままの場合は適用せずにエラーを返す。
func RunMigrations(databaseURL string) (SchemaVersion, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return SchemaVersion{}, err
	}
	defer m.Close()

	before, err := currentVersion(m)
	if err != nil {
		return SchemaVersion{}, err
	}
	if before.Dirty {
		return before, fmt.Errorf("schema version %d is dirty; fix it manually before migrating", before.Version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("failed to run migrations: %w", err)
	}

	after, err := currentVersion(m)
	if err != nil {
		return before, err
	}
	if after != before {
		slog.Info("schema migrated",
			slog.Uint64("from", uint64(before.Version)),
			slog.Uint64("to", uint64(after.Version)),
		)
	}
	return after, nil
}

// CurrentVersion はデータベースに適用済みのスキーマバージョンを返す。
func CurrentVersion(databaseURL string) (SchemaVersion, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return SchemaVersion{}, err
	}
	defer m.Close()
	return currentVersion(m)
}

func currentVersion(m *migrate.Migrate) (SchemaVersion, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaVersion{}, nil
	}
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	return SchemaVersion{Version: version, Dirty: dirty, Applied: true}, nil
}
