package download

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/lamd/internal/model"
)

const untitled = "untitled"

var (
	reservedChars = regexp.MustCompile(`[/\\?%*:|"<>]`)
	// 英数字と空白以外の連続を1つの区切りにまとめる。空白にはUnicodeの空白も含める。
	nonWordRuns = regexp.MustCompile(`[^a-zA-Z0-9\s\v\p{Z}\x{FEFF}]+`)
	nonASCII    = regexp.MustCompile(`[\x{0080}-\x{FFFF}]`)
)

// RenderFilename はテンプレートのプレースホルダをリプレイの値で置換し、
// ファイル名として安全な文字列にして返す。拡張子は付与しない。
// 日付はlocのタイムゾーンで表現する。
func RenderFilename(template string, r *model.Replay, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	published := r.PublishedTime().In(loc)
	y, m, d := published.Date()

	title := r.Title
	if title == "" {
		title = untitled
	}

	replacer := strings.NewReplacer(
		"%%broadcaster%%", r.Broadcaster,
		"%%longid%%", r.UserID,
		"%%replayid%%", r.ID,
		"%%replayviews%%", r.Views,
		"%%replaylikes%%", r.Likes,
		"%%replayshares%%", r.Shares,
		"%%replaytitle%%", title,
		"%%replayduration%%", r.Duration,
		"%%replaydatepacked%%", fmt.Sprintf("%04d%02d%02d", y, int(m), d),
		"%%replaydateus%%", fmt.Sprintf("%02d-%02d-%04d", int(m), d, y),
		"%%replaydateeu%%", fmt.Sprintf("%02d-%02d-%04d", d, int(m), y),
	)

	name := SanitizeFilename(replacer.Replace(template))
	if strings.Trim(name, "- \t") == "" {
		// 置換結果に英数字が残らない場合はIDで代替する
		name = SanitizeFilename(r.ID)
	}
	return name
}

// SanitizeFilename はファイルシステムで使えない文字と英数字・空白以外の連続を
// それぞれ "-" に置き換え、残った非ASCII文字を取り除く。
func SanitizeFilename(name string) string {
	name = reservedChars.ReplaceAllString(name, "-")
	name = nonWordRuns.ReplaceAllString(name, "-")
	name = nonASCII.ReplaceAllString(name, "")
	return name
}
