// Package state はデーモン全体で共有するアカウント・キュー・失敗ログを保持する。
// スキャナ、ダウンロードマネージャ、制御APIはすべてこの構造体を経由して状態を変更する。
package state

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/lamd/internal/model"
	"github.com/hitoshi/lamd/internal/repository"
)

// State はミューテックスで保護されたアプリケーション状態。
// 変更操作はロックを保持したままコレクション全体を永続化し、
// メモリ上の状態と永続化された状態の順序を一致させる。
// 永続化に失敗してもメモリ上の状態を正とし、ログに記録して処理を続ける。
type State struct {
	mu       sync.Mutex
	store    repository.Store
	logger   *slog.Logger
	accounts []model.Account
	queue    []string
	failed   []string
}

// New は空の状態を生成する。Loadで永続化データを読み込むこと。
func New(store repository.Store, logger *slog.Logger) *State {
	return &State{
		store:    store,
		logger:   logger,
		accounts: []model.Account{},
		queue:    []string{},
		failed:   []string{},
	}
}

// Load は3つのコレクションを読み込む。
// 読み込んだキュー内の重複は先頭側を残して取り除く。
func (s *State) Load(ctx context.Context) error {
	accounts, err := s.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	queue, err := s.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	failed, err := s.store.LoadFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to load failed log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = dedupAccounts(accounts)
	s.queue = dedupIDs(queue)
	s.failed = failed
	return nil
}

// AddAccount はアカウントを末尾に追加する。既に存在する場合はfalseを返す。
// ウォーターマークはnowで初期化し、追加以前に公開されたリプレイは対象にしない。
func (s *State) AddAccount(ctx context.Context, id string, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOfAccount(id) >= 0 {
		return false
	}
	s.accounts = append(s.accounts, model.Account{ID: id, LastScanned: now})
	s.saveAccounts(ctx)
	return true
}

// HasAccount はアカウントが監視対象かを返す。
func (s *State) HasAccount(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOfAccount(id) >= 0
}

// RemoveAccount はアカウントを削除する。存在しない場合はfalseを返し、永続化もしない。
func (s *State) RemoveAccount(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfAccount(id)
	if i < 0 {
		return false
	}
	s.accounts = slices.Delete(s.accounts, i, i+1)
	s.saveAccounts(ctx)
	return true
}

// AccountIDs は監視アカウントのIDを登録順で返す。
func (s *State) AccountIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.accounts))
	for i, a := range s.accounts {
		ids[i] = a.ID
	}
	return ids
}

// Accounts は監視アカウントのコピーを返す。
func (s *State) Accounts() []model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.accounts)
}

// Watermark はアカウントの最終スキャン時刻を返す。
func (s *State) Watermark(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfAccount(id)
	if i < 0 {
		return 0, false
	}
	return s.accounts[i].LastScanned, true
}

// MarkScanned はアカウントのウォーターマークをnowに更新して永続化し、更新前の値を返す。
// スキャン中にアカウントが削除されていた場合はokがfalseになる。
func (s *State) MarkScanned(ctx context.Context, id string, now int64) (prev int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfAccount(id)
	if i < 0 {
		return 0, false
	}
	prev = s.accounts[i].LastScanned
	s.accounts[i].LastScanned = now
	s.saveAccounts(ctx)
	return prev, true
}

// Enqueue はリプレイIDをキュー末尾に追加して永続化する。
// 既にキューにある場合は何もせずfalseを返す。
func (s *State) Enqueue(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.queue, id) {
		return false
	}
	s.queue = append(s.queue, id)
	s.saveQueue(ctx)
	return true
}

// Head はキュー先頭のリプレイIDを返す。空の場合はokがfalse。
func (s *State) Head() (id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return "", false
	}
	return s.queue[0], true
}

// CompleteHead は試行が終わった先頭アイテムを取り除く。
// 先頭がidと一致しない場合は何もせずfalseを返す。
// failedがtrueの場合は失敗ログにも追記し、キューと失敗ログの両方を永続化する。
func (s *State) CompleteHead(ctx context.Context, id string, failed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 || s.queue[0] != id {
		return false
	}
	s.queue = slices.Delete(s.queue, 0, 1)
	s.saveQueue(ctx)

	if failed {
		s.failed = append(s.failed, id)
		if err := s.store.SaveFailed(ctx, slices.Clone(s.failed)); err != nil {
			s.logPersistError("failed", err)
		}
	}
	return true
}

// Queue はキューのコピーを返す。
func (s *State) Queue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

// QueueLen はキューの件数を返す。
func (s *State) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Failed は失敗ログのコピーを返す。
func (s *State) Failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failed)
}

func (s *State) indexOfAccount(id string) int {
	return slices.IndexFunc(s.accounts, func(a model.Account) bool { return a.ID == id })
}

func (s *State) saveAccounts(ctx context.Context) {
	if err := s.store.SaveAccounts(ctx, slices.Clone(s.accounts)); err != nil {
		s.logPersistError("accounts", err)
	}
}

func (s *State) saveQueue(ctx context.Context) {
	if err := s.store.SaveQueue(ctx, slices.Clone(s.queue)); err != nil {
		s.logPersistError("queue", err)
	}
}

func (s *State) logPersistError(collection string, err error) {
	s.logger.Error("状態の永続化に失敗しました",
		slog.String("collection", collection),
		slog.String("error", err.Error()),
	)
}

func dedupAccounts(in []model.Account) []model.Account {
	out := make([]model.Account, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

func dedupIDs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
