// Package repository はデーモン状態の永続化インターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/lamd/internal/model"
)

// Store は監視アカウント・ダウンロードキュー・失敗ログの3コレクションを永続化する。
// Save系は常にコレクション全体を上書きする。
// Load系は永続化データが存在しない場合、または壊れている場合に空のコレクションを返す。
type Store interface {
	LoadAccounts(ctx context.Context) ([]model.Account, error)
	SaveAccounts(ctx context.Context, accounts []model.Account) error

	LoadQueue(ctx context.Context) ([]string, error)
	SaveQueue(ctx context.Context, queue []string) error

	// LoadFailed / SaveFailed は失敗ログを扱う。失敗ログは重複排除しない。
	LoadFailed(ctx context.Context) ([]string, error)
	SaveFailed(ctx context.Context, failed []string) error
}
