package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/lamd/internal/model"
)

// PostgresStore はPostgreSQLを使用したStore。
// 各コレクションはposition列で順序を保持し、保存時はトランザクション内で全件を入れ替える。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LoadAccounts は監視アカウントを登録順に取得する。
func (r *PostgresStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, scanned FROM accounts ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.LastScanned); err != nil {
			return nil, fmt.Errorf("アカウントの読み取りに失敗しました: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アカウント一覧の走査に失敗しました: %w", err)
	}
	return accounts, nil
}

// SaveAccounts は監視アカウントを全件入れ替える。
func (r *PostgresStore) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	ids := make([]string, len(accounts))
	scanned := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
		scanned[i] = a.LastScanned
	}

	return r.replace(ctx, "accounts",
		`INSERT INTO accounts (position, user_id, scanned)
		 SELECT t.ord - 1, t.user_id, t.scanned
		 FROM unnest($1::text[], $2::bigint[]) WITH ORDINALITY AS t(user_id, scanned, ord)`,
		pq.Array(ids), pq.Array(scanned),
	)
}

// LoadQueue はダウンロードキューを先頭から順に取得する。
func (r *PostgresStore) LoadQueue(ctx context.Context) ([]string, error) {
	return r.loadIDs(ctx, "queue")
}

// SaveQueue はダウンロードキューを全件入れ替える。
func (r *PostgresStore) SaveQueue(ctx context.Context, queue []string) error {
	return r.saveIDs(ctx, "queue", queue)
}

// LoadFailed は失敗ログを記録順に取得する。
func (r *PostgresStore) LoadFailed(ctx context.Context) ([]string, error) {
	return r.loadIDs(ctx, "failed")
}

// SaveFailed は失敗ログを全件入れ替える。
func (r *PostgresStore) SaveFailed(ctx context.Context, failed []string) error {
	return r.saveIDs(ctx, "failed", failed)
}

// tableはパッケージ内の固定値のみを受け取る。
func (r *PostgresStore) loadIDs(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT replay_id FROM `+table+` ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", table, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%sの読み取りに失敗しました: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", table, err)
	}
	return ids, nil
}

func (r *PostgresStore) saveIDs(ctx context.Context, table string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return r.replace(ctx, table,
		`INSERT INTO `+table+` (position, replay_id)
		 SELECT t.ord - 1, t.replay_id
		 FROM unnest($1::text[]) WITH ORDINALITY AS t(replay_id, ord)`,
		pq.Array(ids),
	)
}

// replace はテーブルの全行を削除し、insertQueryで再投入する。
func (r *PostgresStore) replace(ctx context.Context, table, insertQuery string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
