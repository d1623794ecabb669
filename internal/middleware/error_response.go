package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/lamd/internal/model"
)

// WriteResponse はコントロールAPIの統一フォーマットでレスポンスを書き込む。
// コマンドの成否はボディのcodeで表し、HTTPステータスは通常200を使う。
func WriteResponse(w http.ResponseWriter, statusCode int, resp *model.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// WriteInternalServerError は内部エラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteResponse(w, http.StatusInternalServerError, model.NewResponse(model.CodeInvalid, "Internal error.", nil))
}
