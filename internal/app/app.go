package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/lamd/internal/config"
	"github.com/hitoshi/lamd/internal/database"
	"github.com/hitoshi/lamd/internal/handler"
	"github.com/hitoshi/lamd/internal/logger"
	"github.com/hitoshi/lamd/internal/metrics"
	"github.com/hitoshi/lamd/internal/middleware"
	"github.com/hitoshi/lamd/internal/model"
	"github.com/hitoshi/lamd/internal/provider"
	"github.com/hitoshi/lamd/internal/repository"
	"github.com/hitoshi/lamd/internal/security"
	"github.com/hitoshi/lamd/internal/state"
	"github.com/hitoshi/lamd/internal/worker/download"
	"github.com/hitoshi/lamd/internal/worker/scan"
)

// Init はアプリケーションの初期化を行う。
// 設定を読み込み、console_outputに応じたレベルでJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 設定ファイルと環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. console_outputが無効な場合は警告以上のみ出力する
	logger.SetupDefaultLevel(w, logger.ConsoleLevel(cfg.ConsoleOutput))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("LOCAL_PORT")
		if port == "" {
			port = strconv.Itoa(config.Default().LocalPort)
		}
		return runHealthcheck("http://localhost:" + port)
	}

	// writecfg は接続先が未設定でも書き出せるよう、必須項目を検証しない
	if cmd == CommandWriteConfig {
		logger.SetupDefault(w)
		cfg, err := config.LoadLayers()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		path := config.ConfigPath()
		if len(args) > 1 {
			path = args[1]
		}
		return runWriteConfig(cfg, path)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cfg, slog.Default())
	}
}

// runDaemon は監視デーモンとして起動する。
// 状態を読み込み、スキャンスケジューラ、ダウンロードマネージャ、コントロールAPIを起動する。
// ctxのキャンセルまたはshutdownコマンドで停止する。
func runDaemon(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.ConsoleOutput {
		engine := "segments"
		if cfg.DownloaderFFMPEG {
			engine = "ffmpeg"
		}
		log.Info("lamdを起動します",
			slog.Int("scan_interval_minutes", cfg.LoopCycle),
			slog.String("download_path", cfg.DownloadPath),
			slog.String("download_template", cfg.DownloadTemplate),
			slog.String("download_engine", engine),
			slog.Int("download_chunks", cfg.DownloadChunks),
			slog.String("store_type", cfg.StoreType),
		)
	}

	// 1. ストアと状態の読み込み（スケジューラより前に完了させる）
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	st := state.New(store, log)
	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	log.Info("状態を読み込みました",
		slog.Int("account_count", len(st.AccountIDs())),
		slog.Int("queue_length", st.QueueLen()),
		slog.Int("failed_count", len(st.Failed())),
	)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(reg)
	mc.SetQueueDepth(st.QueueLen())

	// 3. プロバイダへの認証（失敗した場合は起動しない）
	client := provider.NewClient(&http.Client{Timeout: cfg.ProviderTimeout}, cfg.ProviderBaseURL, log, mc)
	if err := client.Authenticate(ctx, cfg.ProviderEmail, cfg.ProviderPassword); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	log.Info("プロバイダに認証しました")

	// 4. ダウンロードマネージャ
	guard := security.NewSSRFGuard(cfg.AllowPrivateHosts)
	manager := download.NewManager(st, client, newBackend(cfg, guard, log),
		security.NewTitleSanitizer(), mc, log,
		download.ManagerConfig{
			DownloadPath: cfg.DownloadPath,
			Template:     cfg.DownloadTemplate,
		},
	)

	// 5. スキャナとスケジューラ
	scanner := scan.NewScanner(st, client, manager, mc, log, cfg.ScanAccountDelay)
	scheduler := scan.NewScheduler(scanner, log, cfg.LoopCycle, cfg.ScanTickInterval, cfg.ScanStartupDelay)

	// 6. コントロールAPI
	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() { time.AfterFunc(cfg.ShutdownGrace, cancel) })
	}
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer rl.Stop()

	server := &http.Server{
		Handler: handler.NewRouter(&handler.RouterDeps{
			Controller:  handler.NewController(st, manager, mc, log, shutdown),
			RateLimiter: rl,
			Logger:      log,
			Metrics:     metrics.Handler(reg),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.LocalPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.LocalPort, err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		log.Info("コントロールAPIを開始しました", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server listen error", slog.String("error", err.Error()))
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()

	// 7. 前回のキューが残っている場合はスキャンを待たずに再開する
	if st.QueueLen() > 0 {
		log.Info("キューに残っているダウンロードを再開します",
			slog.Int("queue_length", st.QueueLen()),
			slog.Duration("delay", cfg.ResumeDelay),
		)
		resume := time.AfterFunc(cfg.ResumeDelay, manager.Kick)
		defer resume.Stop()
	}

	<-ctx.Done()
	log.Info("シャットダウンしています")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("コントロールAPIの停止に失敗しました", slog.String("error", err.Error()))
	}

	wg.Wait()
	log.Info("lamdを停止しました",
		slog.Int("queue_length", st.QueueLen()),
	)
	return nil
}

// openStore は設定に応じた永続化ストアを開く。返り値の関数でリソースを解放する。
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.Store, func(), error) {
	switch cfg.StoreType {
	case config.StoreTypePostgres:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		return repository.NewPostgresStore(db), func() { db.Close() }, nil
	default:
		return repository.NewFileStore(cfg.DataDir, log), func() {}, nil
	}
}

// newBackend は設定に応じたダウンロードバックエンドを返す。
func newBackend(cfg *config.Config, guard security.SSRFGuardService, log *slog.Logger) download.Backend {
	if cfg.DownloaderFFMPEG {
		return download.NewTranscoder(cfg.FFmpegPath, log)
	}
	return download.NewSegmentFetcher(guard, log, download.SegmentFetcherConfig{
		Chunks:         cfg.DownloadChunks,
		SegmentTimeout: cfg.SegmentTimeout,
		Retries:        cfg.SegmentRetries,
	})
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreType != config.StoreTypePostgres {
		return fmt.Errorf("migrate requires store_type=%s (current: %s)", config.StoreTypePostgres, cfg.StoreType)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runWriteConfig は現在の設定をTOMLファイルに書き出す。
func runWriteConfig(cfg *config.Config, path string) error {
	if err := cfg.WriteFile(path); err != nil {
		return err
	}
	slog.Warn("設定ファイルを書き出しました", slog.String("path", path))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// コントロールAPIの /ping にリクエストを送り、code 200 が返ることを確認する。
func runHealthcheck(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(baseURL + "/ping")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var body model.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("health check returned invalid body: %w", err)
	}
	if body.Code != model.CodeOK {
		return fmt.Errorf("health check returned code %d", body.Code)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
