// Package scan は監視アカウントの定期スキャンとスケジューリングを提供する。
package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/lamd/internal/metrics"
	"github.com/hitoshi/lamd/internal/model"
	"github.com/hitoshi/lamd/internal/provider"
)

// PageSize は1回のスキャンで取得する最新リプレイの件数。
const PageSize = 10

// AccountState はスキャナが利用するアプリケーション状態の操作。
type AccountState interface {
	AccountIDs() []string
	MarkScanned(ctx context.Context, id string, now int64) (prev int64, ok bool)
	Enqueue(ctx context.Context, id string) bool
	QueueLen() int
}

// ReplayLister はアカウントの最新リプレイを取得する。
type ReplayLister interface {
	RecentReplays(ctx context.Context, userID string, page, size int) ([]model.Replay, error)
}

// Kicker はダウンロードキューの消化開始を要求する。
type Kicker interface {
	Kick()
}

// PassResult は1回のスキャンパスの集計。
type PassResult struct {
	Accounts   int
	Failed     int
	Discovered int
}

// Scanner はアカウントごとに最新リプレイを取得し、
// ウォーターマークより新しいものをダウンロードキューに追加する。
type Scanner struct {
	state    AccountState
	provider ReplayLister
	kicker   Kicker
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewScanner はScannerを生成する。
// accountDelayはアカウント間の待機時間で、0以下の場合は待機しない。
func NewScanner(
	state AccountState,
	lister ReplayLister,
	kicker Kicker,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	accountDelay time.Duration,
) *Scanner {
	if mc == nil {
		mc = metrics.Nop{}
	}
	limit := rate.Inf
	if accountDelay > 0 {
		limit = rate.Every(accountDelay)
	}
	return &Scanner{
		state:    state,
		provider: lister,
		kicker:   kicker,
		metrics:  mc,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// ScanAccount は1アカウントをスキャンし、キューに追加した件数を返す。
// 取得結果が空の場合はウォーターマークを更新しない。
// 取得に失敗した場合もウォーターマークは変更せず、エラーを返す。
func (s *Scanner) ScanAccount(ctx context.Context, accountID string) (int, error) {
	// 取得前の時刻をウォーターマークにすることで、取得中に公開されたリプレイを次回拾う
	now := s.now().Unix()

	replays, err := s.provider.RecentReplays(ctx, accountID, 1, PageSize)
	if err != nil {
		s.metrics.RecordScanFailure(accountID, failureReason(err))
		return 0, err
	}
	if len(replays) == 0 {
		return 0, nil
	}

	prev, ok := s.state.MarkScanned(ctx, accountID, now)
	if !ok {
		// スキャン中に削除されたアカウント
		return 0, nil
	}

	added := 0
	for i := range replays {
		r := &replays[i]
		if r.ID == "" || !r.IsNewerThan(prev) {
			continue
		}
		if s.state.Enqueue(ctx, r.ID) {
			added++
			s.logger.Info("新しいリプレイをキューに追加しました",
				slog.String("account_id", accountID),
				slog.String("replay_id", r.ID),
				slog.String("broadcaster", r.Broadcaster),
			)
		}
	}

	s.metrics.RecordScanSuccess(accountID)
	if added > 0 {
		s.metrics.RecordReplaysDiscovered(added)
		s.metrics.SetQueueDepth(s.state.QueueLen())
		s.kicker.Kick()
	}
	return added, nil
}

// RunPass は全アカウントをリスト順にスキャンする。
// 1アカウントの失敗はパスを中断しない。コンテキストがキャンセルされた場合のみエラーを返す。
func (s *Scanner) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()
	ids := s.state.AccountIDs()
	result := PassResult{Accounts: len(ids)}

	s.logger.Info("スキャンを開始します", slog.Int("account_count", len(ids)))

	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return result, ctx.Err()
		}

		added, err := s.ScanAccount(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			s.logger.Warn("アカウントのスキャンに失敗しました",
				slog.String("account_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Discovered += added
	}

	s.logger.Info("スキャンが完了しました",
		slog.Int("account_count", result.Accounts),
		slog.Int("failed_count", result.Failed),
		slog.Int("discovered_count", result.Discovered),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// failureReason はメトリクス用の失敗理由を返す。
func failureReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return "not_found"
	case errors.Is(err, provider.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, provider.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
