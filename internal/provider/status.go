package provider

import (
	"errors"
	"fmt"
)

// プロバイダAPIのエラー。errors.Isで判定する。
var (
	// ErrUnauthorized は認証情報が拒否されたことを示す。
	ErrUnauthorized = errors.New("provider: unauthorized")
	// ErrNotFound はアカウントまたはリプレイが存在しないことを示す。
	ErrNotFound = errors.New("provider: not found")
	// ErrUnavailable はレート制限やサーバーエラーで一時的に応答できないことを示す。
	ErrUnavailable = errors.New("provider: temporarily unavailable")
)

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusUnauthorized は認証エラー（401/403）。
	StatusUnauthorized
	// StatusNotFound は対象なし（404/410）。
	StatusNotFound
	// StatusRetryLater は次のサイクルで再試行すべきステータス（429/5xx）。
	StatusRetryLater
	// StatusUnknown は未知のステータスコード。
	StatusUnknown
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == 401 || statusCode == 403:
		return StatusUnauthorized
	case statusCode == 404 || statusCode == 410:
		return StatusNotFound
	case statusCode == 429:
		return StatusRetryLater
	case statusCode >= 500:
		return StatusRetryLater
	default:
		return StatusUnknown
	}
}

// statusError はステータスコードに対応するエラーを返す。2xxの場合はnil。
func statusError(statusCode int) error {
	switch ClassifyHTTPStatus(statusCode) {
	case StatusOK:
		return nil
	case StatusUnauthorized:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, statusCode)
	case StatusNotFound:
		return fmt.Errorf("%w (status %d)", ErrNotFound, statusCode)
	case StatusRetryLater:
		return fmt.Errorf("%w (status %d)", ErrUnavailable, statusCode)
	default:
		return fmt.Errorf("provider: unexpected status %d", statusCode)
	}
}
