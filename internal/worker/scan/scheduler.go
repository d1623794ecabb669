package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PassRunner はスキャンパスを実行する。
type PassRunner interface {
	RunPass(ctx context.Context) (PassResult, error)
}

// Scheduler は一定間隔のティックを数え、loopCycle回ごとにスキャンパスを起動する。
// 起動直後には1回だけパスを実行する。実行中のパスがある間は新しいパスを起動しない。
type Scheduler struct {
	runner       PassRunner
	logger       *slog.Logger
	loopCycle    int
	tick         time.Duration
	startupDelay time.Duration

	// counter はStartのgoroutineからのみ更新する
	counter int
	running sync.Mutex
	wg      sync.WaitGroup
}

// NewScheduler はSchedulerを生成する。
// loopCycleはパス間のティック数、tickはティック間隔。
func NewScheduler(runner PassRunner, logger *slog.Logger, loopCycle int, tick, startupDelay time.Duration) *Scheduler {
	if loopCycle < 1 {
		loopCycle = 1
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		runner:       runner,
		logger:       logger,
		loopCycle:    loopCycle,
		tick:         tick,
		startupDelay: startupDelay,
	}
}

// Start はコンテキストがキャンセルされるまでスケジューラを実行する。
// 戻る前に実行中のパスの終了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	startup := time.NewTimer(s.startupDelay)
	defer startup.Stop()

	s.logger.Info("スキャンスケジューラを開始しました",
		slog.Duration("tick", s.tick),
		slog.Int("loop_cycle", s.loopCycle),
	)

	for {
		select {
		case <-ctx.Done():
			s.wait()
			s.logger.Info("スキャンスケジューラを停止しました")
			return
		case <-startup.C:
			s.TriggerPass(ctx)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick はティックを1回数え、loopCycleに達した場合はカウンタを戻してパスを起動する。
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.counter++
	if s.counter < s.loopCycle {
		return false
	}
	s.counter = 0
	return s.TriggerPass(ctx)
}

// TriggerPass はパスを別goroutineで起動する。
// 実行中のパスがある場合は起動せずfalseを返す。
func (s *Scheduler) TriggerPass(ctx context.Context) bool {
	if !s.running.TryLock() {
		s.logger.Info("前回のスキャンが実行中のためスキップします")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Unlock()

		if _, err := s.runner.RunPass(ctx); err != nil {
			s.logger.Warn("スキャンを中断しました",
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// wait は実行中のパスの終了を待つ。
func (s *Scheduler) wait() {
	s.wg.Wait()
}
