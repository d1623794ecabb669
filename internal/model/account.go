package model

// Account は監視対象のリモートアカウントを表す。
// LastScanned はスキャン済みウォーターマーク（Unix秒）で、スキャナーのみが更新する。
type Account struct {
	ID          string `json:"userid"`
	LastScanned int64  `json:"scanned"`
}
