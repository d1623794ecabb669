package model

// APIVersion はコントロールAPIのレスポンスに含めるバージョン文字列。
const APIVersion = "1.1"

// コントロールAPIが返す結果コード。HTTPステータスではなくレスポンスボディのcodeに入る。
const (
	CodeOK           = 200
	CodeAlreadyExist = 302
	CodeNotFound     = 404
	CodeRateLimited  = 429
	CodeInvalid      = 500
)

// Response はコントロールAPIの統一レスポンスフォーマット。
type Response struct {
	APIVersion string `json:"api_version"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
}

// NewResponse は指定コードとメッセージでResponseを生成する。
func NewResponse(code int, message string, data any) *Response {
	return &Response{
		APIVersion: APIVersion,
		Code:       code,
		Message:    message,
		Data:       data,
	}
}

// QueueStatus はlist-queueコマンドのペイロード。
type QueueStatus struct {
	Downloading bool     `json:"downloading"`
	Items       []string `json:"items"`
}
