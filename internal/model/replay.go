// Package model はドメインモデルを定義する。
package model

import "time"

// Replay はプロバイダーが返すリプレイのメタデータを表す。
// JSONタグはプロバイダーAPIのフィールド名に合わせている。
type Replay struct {
	ID          string `json:"vid"`
	UserID      string `json:"userid"`
	Broadcaster string `json:"uname"`
	Views       string `json:"playnumber"`
	Likes       string `json:"likenum"`
	Shares      string `json:"sharenum"`
	Title       string `json:"title"`
	Duration    string `json:"videolength"`
	PublishedAt int64  `json:"vtime,string"`
	ManifestURL string `json:"hlsvideosource"`
}

// PublishedTime は公開日時をローカルタイムゾーンのtime.Timeで返す。
func (r *Replay) PublishedTime() time.Time {
	return time.Unix(r.PublishedAt, 0)
}

// IsNewerThan は公開日時がウォーターマークより後かを判定する。
// ウォーターマークと同時刻の場合は新規とみなさない。
func (r *Replay) IsNewerThan(watermark int64) bool {
	return r.PublishedAt-watermark > 0
}
