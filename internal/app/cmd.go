package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandDaemon は監視デーモンとして起動することを示す。
	CommandDaemon Command = "daemon"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandWriteConfig は現在の設定をTOMLファイルに書き出すことを示す。
	CommandWriteConfig Command = "writecfg"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandDaemonを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandDaemon
	}

	switch args[0] {
	case "daemon":
		return CommandDaemon
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "writecfg", "--writecfg":
		return CommandWriteConfig
	default:
		return CommandDaemon
	}
}
