package security

import "html"

// TitleSanitizer はプロバイダから受け取ったリプレイタイトルをファイル名テンプレート用に整える。
type TitleSanitizer interface {
	SanitizeTitle(raw string) string
}

type titleSanitizer struct{}

// NewTitleSanitizer はTitleSanitizerを生成する。
func NewTitleSanitizer() *titleSanitizer {
	return &titleSanitizer{}
}

// SanitizeTitle はHTMLエンティティのみを戻す。
// タグや記号は残し、ファイル名としての置換はファイル名生成側に任せる。
func (s *titleSanitizer) SanitizeTitle(raw string) string {
	return html.UnescapeString(raw)
}
