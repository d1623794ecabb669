package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/lamd/internal/metrics"
	"github.com/hitoshi/lamd/internal/model"
	"github.com/hitoshi/lamd/internal/security"
)

// QueueState はマネージャが利用するキュー操作。
type QueueState interface {
	Head() (string, bool)
	CompleteHead(ctx context.Context, id string, failed bool) bool
	QueueLen() int
}

// ReplayResolver はリプレイのメタデータとマニフェストURLを解決する。
type ReplayResolver interface {
	ReplayInfo(ctx context.Context, replayID string) (*model.Replay, error)
}

// ManagerConfig はManagerの設定。
type ManagerConfig struct {
	DownloadPath string
	Template     string
	// Location はファイル名の日付に使うタイムゾーン。nilの場合はtime.Local。
	Location *time.Location
}

// Manager はダウンロードキューを先頭から1件ずつ消化する。
// 同時に実行する試行は常に1件で、実行中のKickは何もしない。
// 成功・失敗いずれの場合も先頭を取り除いて次へ進む。
// コンテキストがキャンセルされた場合は試行を放棄し、先頭はキューに残す。
type Manager struct {
	state    QueueState
	resolver ReplayResolver
	backend  Backend
	titles   security.TitleSanitizer
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      ManagerConfig

	kick        chan struct{}
	downloading atomic.Bool
	newID       func() string
	now         func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(
	state QueueState,
	resolver ReplayResolver,
	backend Backend,
	titles security.TitleSanitizer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	cfg ManagerConfig,
) *Manager {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Manager{
		state:    state,
		resolver: resolver,
		backend:  backend,
		titles:   titles,
		metrics:  mc,
		logger:   logger,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Kick はキューの消化開始を要求する。ダウンロード中の場合は何もしない。
func (m *Manager) Kick() {
	if m.downloading.Load() {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Downloading はダウンロード中かを返す。
func (m *Manager) Downloading() bool {
	return m.downloading.Load()
}

// Run はコンテキストがキャンセルされるまでKickを待ち受け、キューを消化する。
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("ダウンロードマネージャを開始しました",
		slog.String("backend", m.backend.Name()),
		slog.String("download_path", m.cfg.DownloadPath),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ダウンロードマネージャを停止しました")
			return
		case <-m.kick:
			m.drain(ctx)
			// フラグを下ろす直前に追加されたアイテムを取りこぼさない
			if _, ok := m.state.Head(); ok && ctx.Err() == nil {
				m.Kick()
			}
		}
	}
}

// drain はキューが空になるかキャンセルされるまで先頭から試行を繰り返す。
func (m *Manager) drain(ctx context.Context) {
	m.downloading.Store(true)
	defer m.downloading.Store(false)

	for ctx.Err() == nil {
		id, ok := m.state.Head()
		if !ok {
			return
		}
		m.attempt(ctx, id)
	}
}

// attempt は1件のダウンロードを試行し、結果に応じて先頭を取り除く。
func (m *Manager) attempt(ctx context.Context, replayID string) {
	start := m.now()
	attemptID := m.newID()
	logger := m.logger.With(
		slog.String("replay_id", replayID),
		slog.String("attempt_id", attemptID),
	)

	job, err := m.prepare(ctx, replayID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("リプレイ情報の解決に失敗しました",
			slog.String("error", err.Error()),
		)
		m.complete(ctx, logger, replayID, false, start)
		return
	}
	job.AttemptID = attemptID

	logger.Info("ダウンロードを開始します",
		slog.String("backend", m.backend.Name()),
		slog.String("output", job.OutputPath),
	)

	a := m.backend.Start(ctx, job)
	nextLog := 0.0
	for ev := range a.Events() {
		switch ev.Kind {
		case EventProgress:
			if ev.Percent >= nextLog {
				logger.Info("ダウンロード中", slog.Float64("percent", ev.Percent))
				nextLog = math.Floor(ev.Percent/10)*10 + 10
			}
		case EventTransient:
			m.metrics.RecordTransientError()
			logger.Warn("一時的なエラーが発生しました",
				slog.String("error", errString(ev.Err)),
			)
		}
	}
	err = a.Wait()

	if ctx.Err() != nil {
		logger.Info("シャットダウンのためダウンロードを中断しました",
			slog.String("output", job.OutputPath),
		)
		return
	}

	if err != nil {
		logger.Warn("ダウンロードに失敗しました",
			slog.String("error", err.Error()),
		)
		m.complete(ctx, logger, replayID, false, start)
		return
	}

	m.complete(ctx, logger, replayID, true, start)
}

// prepare はリプレイ情報を解決し、出力先を決めたJobを返す。
func (m *Manager) prepare(ctx context.Context, replayID string) (Job, error) {
	replay, err := m.resolver.ReplayInfo(ctx, replayID)
	if err != nil {
		return Job{}, err
	}
	if replay.ManifestURL == "" {
		return Job{}, errors.New("replay has no manifest URL")
	}

	replay.ID = replayID
	replay.Title = m.titles.SanitizeTitle(replay.Title)
	name := RenderFilename(m.cfg.Template, replay, m.cfg.Location) + m.backend.Extension()

	if err := os.MkdirAll(m.cfg.DownloadPath, 0o755); err != nil {
		return Job{}, fmt.Errorf("create download directory: %w", err)
	}

	return Job{
		ReplayID:    replayID,
		ManifestURL: replay.ManifestURL,
		OutputPath:  filepath.Join(m.cfg.DownloadPath, name),
		Duration:    parseSeconds(replay.Duration),
	}, nil
}

func (m *Manager) complete(ctx context.Context, logger *slog.Logger, replayID string, ok bool, start time.Time) {
	m.state.CompleteHead(ctx, replayID, !ok)

	result := metrics.ResultSuccess
	if !ok {
		result = metrics.ResultFailure
	}
	duration := m.now().Sub(start)
	m.metrics.RecordDownload(result, duration)
	m.metrics.SetQueueDepth(m.state.QueueLen())

	if ok {
		logger.Info("ダウンロードが完了しました",
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}
}

// parseSeconds はプロバイダの秒数表記をDurationに変換する。解釈できない場合は0。
func parseSeconds(s string) time.Duration {
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil || sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
