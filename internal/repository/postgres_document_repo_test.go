package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/hitoshi/studyhub/internal/database"
	"github.com/hitoshi/studyhub/internal/model"
)

// setupDocumentRepo はTEST_DATABASE_URLのデータベースにマイグレーションを適用してリポジトリを返す。
// 未設定または接続できない場合はスキップする。
func setupDocumentRepo(t *testing.T) (*PostgresDocumentRepo, *sql.DB) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL)
	if err != nil {
		t.Fatalf("データベースのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM documents`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}

	return NewPostgresDocumentRepo(db), db
}

func TestNewPostgresDocumentRepo_Initializes(t *testing.T) {
	if repo := NewPostgresDocumentRepo(nil); repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestPostgresDocumentRepo_RejectsBlankKey(t *testing.T) {
	repo := NewPostgresDocumentRepo(nil)
	ctx := context.Background()

	if err := repo.WriteRecord(ctx, model.ProfileCollection, " ", map[string]any{}); err == nil {
		t.Error("WriteRecord: expected error for blank key")
	}
	if _, err := repo.ReadRecord(ctx, "", "uid-1"); err == nil {
		t.Error("ReadRecord: expected error for blank collection")
	}
}

func TestPostgresDocumentRepo_ReadMissing_ReturnsNil(t *testing.T) {
	repo, _ := setupDocumentRepo(t)

	fields, err := repo.ReadRecord(context.Background(), model.ProfileCollection, "missing")
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	if fields != nil {
		t.Errorf("ReadRecord() = %v, want nil", fields)
	}
}

func TestPostgresDocumentRepo_WriteReadOverwrite(t *testing.T) {
	repo, db := setupDocumentRepo(t)
	ctx := context.Background()

	profile := &model.Profile{Email: "a@b.com", FirstName: "Ann", LastName: "Lee", Phone: "123"}
	if err := repo.WriteRecord(ctx, model.ProfileCollection, "uid-1", profile.Fields()); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}

	fields, err := repo.ReadRecord(ctx, model.ProfileCollection, "uid-1")
	if err != nil {
		t.Fatalf("ReadRecord() error = %v", err)
	}
	got := model.ProfileFromFields(fields)
	if got.Email != "a@b.com" || got.FirstName != "Ann" || got.EmailVerified {
		t.Errorf("unexpected profile: %+v", got)
	}

	profile.EmailVerified = true
	if err := repo.WriteRecord(ctx, model.ProfileCollection, "uid-1", profile.Fields()); err != nil {
		t.Fatalf("WriteRecord() overwrite error = %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM documents WHERE key = 'uid-1'`).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 1 {
		t.Errorf("document rows = %d, want 1", count)
	}

	fields, _ = repo.ReadRecord(ctx, model.ProfileCollection, "uid-1")
	if !model.ProfileFromFields(fields).EmailVerified {
		t.Error("expected overwritten emailVerified=true")
	}
}
