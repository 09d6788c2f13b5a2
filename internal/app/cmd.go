package app

import "strings"

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はセッションデーモン（HTTP API）として起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はプロフィールレコード用スキーマのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch strings.ToLower(args[0]) {
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
