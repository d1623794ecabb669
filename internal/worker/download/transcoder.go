package download

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// stderrLimit は失敗時のエラーメッセージに含めるstderrの最大長。
const stderrLimit = 4096

// Transcoder は外部のffmpegでマニフェストを再エンコードせずMP4に書き出すバックエンド。
// 進捗は -progress pipe:1 の出力から読み取る。
type Transcoder struct {
	path   string
	logger *slog.Logger
}

// NewTranscoder はTranscoderを生成する。pathはffmpegの実行ファイル。
func NewTranscoder(path string, logger *slog.Logger) *Transcoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &Transcoder{path: path, logger: logger}
}

// Name はバックエンド名を返す。
func (t *Transcoder) Name() string { return "ffmpeg" }

// Extension は出力ファイルの拡張子を返す。
func (t *Transcoder) Extension() string { return ".mp4" }

// Start はffmpegを起動する。
func (t *Transcoder) Start(ctx context.Context, job Job) *Attempt {
	return startAttempt(ctx, job, t.run)
}

// transcodeArgs はffmpegの引数を組み立てる。
func transcodeArgs(job Job) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", job.ManifestURL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-vsync", "2",
		"-movflags", "faststart",
		"-progress", "pipe:1",
		job.OutputPath,
	}
}

func (t *Transcoder) run(ctx context.Context, job Job, emit func(Event)) error {
	cmd := exec.CommandContext(ctx, t.path, transcodeArgs(job)...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	t.logger.Debug("ffmpegを起動しました",
		slog.String("replay_id", job.ReplayID),
		slog.String("attempt_id", job.AttemptID),
		slog.String("output", job.OutputPath),
	)

	var errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		readProgress(stdoutPipe, job.Duration, emit)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			if errBuf.Len() < stderrLimit {
				errBuf.WriteString(scanner.Text())
				errBuf.WriteByte('\n')
			}
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

// readProgress は -progress の key=value 出力を読み、out_time の更新ごとに進捗を通知する。
func readProgress(r io.Reader, total time.Duration, emit func(Event)) {
	var last int64 = -1
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpegはout_time_msにもマイクロ秒を出力する
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 || us == last {
				continue
			}
			last = us
			emit(Event{Kind: EventProgress, Percent: percentOf(float64(time.Duration(us)*time.Microsecond), float64(total))})
		case "progress":
			if value == "end" {
				emit(Event{Kind: EventProgress, Percent: 100})
			}
		}
	}
}

// percentOf はdoneのtotalに対する割合を小数第2位までのパーセントで返す。
// totalが不明な場合は0を返す。
func percentOf(done, total float64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return math.Floor(p*100) / 100
}
