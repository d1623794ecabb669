package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	return SetupLevel(w, slog.LevelInfo)
}

// SetupLevel は指定レベル以上を出力するJSONロガーを生成する。
func SetupLevel(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// ConsoleLevel はconsole_output設定に対応するログレベルを返す。
// 無効時は進捗ログを抑止し、警告以上のみを出力する。
func ConsoleLevel(consoleOutput bool) slog.Level {
	if consoleOutput {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerが指定された場合はそのwriterに出力する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	SetupDefaultLevel(w, slog.LevelInfo)
}

// SetupDefaultLevel はレベルを指定してグローバルロガーを設定する。
func SetupDefaultLevel(w io.Writer, level slog.Leveler) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(SetupLevel(w, level))
}
