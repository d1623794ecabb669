package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/lamd/internal/metrics"
	"github.com/hitoshi/lamd/internal/model"
)

// ControlState はコントロールAPIが操作するアプリケーション状態。
type ControlState interface {
	AddAccount(ctx context.Context, id string, now int64) bool
	HasAccount(id string) bool
	RemoveAccount(ctx context.Context, id string) bool
	AccountIDs() []string
	Enqueue(ctx context.Context, id string) bool
	Queue() []string
	QueueLen() int
	Failed() []string
}

// Downloader はダウンロードキューの消化を制御する。
type Downloader interface {
	Kick()
	Downloading() bool
}

// commandFunc は1つのコマンドの実装。
type commandFunc func(ctx context.Context, id string) *model.Response

// Controller はコマンド名に応じて状態を操作し、統一フォーマットの結果を返す。
// 状態を変更するコマンドはState側で即座に永続化される。
type Controller struct {
	state      ControlState
	downloader Downloader
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	shutdown   func()
	now        func() time.Time
	commands   map[string]commandFunc
}

// NewController はControllerを生成する。
// shutdownはshutdownコマンド受信時に呼ばれ、猶予時間後の停止を予約する。
// mcがnilの場合はメトリクスを記録しない。
func NewController(state ControlState, downloader Downloader, mc metrics.MetricsCollector, logger *slog.Logger, shutdown func()) *Controller {
	if mc == nil {
		mc = metrics.Nop{}
	}
	c := &Controller{
		state:      state,
		downloader: downloader,
		metrics:    mc,
		logger:     logger,
		shutdown:   shutdown,
		now:        time.Now,
	}
	c.commands = map[string]commandFunc{
		"add-account":    c.addAccount,
		"add-user":       c.addAccount,
		"check-account":  c.checkAccount,
		"check-user":     c.checkAccount,
		"remove-account": c.removeAccount,
		"remove-user":    c.removeAccount,
		"list-accounts":  c.listAccounts,
		"list-users":     c.listAccounts,
		"add-download":   c.addDownload,
		"add-replay":     c.addDownload,
		"list-queue":     c.listQueue,
		"list-failed":    c.listFailed,
		"ping":           c.ping,
		"shutdown":       c.shutdownCommand,
	}
	return c
}

// Dispatch はコマンドを実行する。未知のコマンドはcode 500を返す。
func (c *Controller) Dispatch(ctx context.Context, command, id string) *model.Response {
	fn, ok := c.commands[command]
	if !ok {
		return model.NewResponse(model.CodeInvalid, "Invalid command.", nil)
	}
	return fn(ctx, id)
}

func (c *Controller) addAccount(ctx context.Context, id string) *model.Response {
	if !isNumericID(id) || !c.state.AddAccount(ctx, id, c.now().Unix()) {
		c.logger.Warn("アカウントは既に登録されています", slog.String("account_id", id))
		return model.NewResponse(model.CodeAlreadyExist, "Account already in list.", nil)
	}
	c.logger.Info("アカウントを監視対象に追加しました", slog.String("account_id", id))
	return model.NewResponse(model.CodeOK, "Account added.", nil)
}

func (c *Controller) checkAccount(_ context.Context, id string) *model.Response {
	if c.state.HasAccount(id) {
		return model.NewResponse(model.CodeOK, "Account is in the list.", []string{})
	}
	return model.NewResponse(model.CodeNotFound, "Account not found in the list.", []string{})
}

func (c *Controller) removeAccount(ctx context.Context, id string) *model.Response {
	if !c.state.RemoveAccount(ctx, id) {
		return model.NewResponse(model.CodeNotFound, "Account not in the list.", nil)
	}
	c.logger.Info("アカウントを監視対象から削除しました", slog.String("account_id", id))
	return model.NewResponse(model.CodeOK, "Account removed.", nil)
}

func (c *Controller) listAccounts(context.Context, string) *model.Response {
	return model.NewResponse(model.CodeOK, "Accounts in list", c.state.AccountIDs())
}

// addDownload は数字のIDのみキューに追加する。それ以外は成功応答のまま無視する。
func (c *Controller) addDownload(ctx context.Context, id string) *model.Response {
	if isNumericID(id) {
		if c.state.Enqueue(ctx, id) {
			c.logger.Info("リプレイをキューに追加しました", slog.String("replay_id", id))
			c.metrics.SetQueueDepth(c.state.QueueLen())
		}
		c.downloader.Kick()
	}
	return model.NewResponse(model.CodeOK, "Replay added to queue.", []string{})
}

func (c *Controller) listQueue(context.Context, string) *model.Response {
	return model.NewResponse(model.CodeOK, "Replays in queue", model.QueueStatus{
		Downloading: c.downloader.Downloading(),
		Items:       c.state.Queue(),
	})
}

func (c *Controller) listFailed(context.Context, string) *model.Response {
	return model.NewResponse(model.CodeOK, "Failed replays", c.state.Failed())
}

func (c *Controller) ping(context.Context, string) *model.Response {
	return model.NewResponse(model.CodeOK, "Pong", nil)
}

func (c *Controller) shutdownCommand(context.Context, string) *model.Response {
	c.logger.Warn("シャットダウン要求を受け付けました")
	if c.shutdown != nil {
		c.shutdown()
	}
	return model.NewResponse(model.CodeOK, "Shutting down.", nil)
}

// isNumericID はidが1文字以上の半角数字のみで構成されるかを返す。
func isNumericID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
