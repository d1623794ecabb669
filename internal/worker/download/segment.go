package download

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grafov/m3u8"

	"github.com/hitoshi/lamd/internal/security"
)

const (
	// maxPlaylistDepth はマスタープレイリストから辿るネストの上限。
	maxPlaylistDepth = 2
	// maxPlaylistSize はプレイリスト本体の読み取り上限。
	maxPlaylistSize = 8 << 20
	// maxSegmentSize はセグメント1件の読み取り上限。
	maxSegmentSize = 128 << 20
)

// SegmentFetcher はHLSマニフェストのセグメントを先読みしながら取得し、
// 1つのMPEG-TSファイルに連結するバックエンド。
// 先読み数はchunksで制限し、書き込みは常にプレイリスト順に行う。
type SegmentFetcher struct {
	guard          security.SSRFGuardService
	logger         *slog.Logger
	chunks         int
	segmentTimeout time.Duration
	retries        int
	playlistLimit  int64
	segmentLimit   int64
}

// SegmentFetcherConfig はSegmentFetcherの設定。
type SegmentFetcherConfig struct {
	Chunks         int
	SegmentTimeout time.Duration
	Retries        int
}

// NewSegmentFetcher はSegmentFetcherを生成する。
func NewSegmentFetcher(guard security.SSRFGuardService, logger *slog.Logger, cfg SegmentFetcherConfig) *SegmentFetcher {
	if cfg.Chunks < 1 {
		cfg.Chunks = 1
	}
	if cfg.SegmentTimeout <= 0 {
		cfg.SegmentTimeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &SegmentFetcher{
		guard:          guard,
		logger:         logger,
		chunks:         cfg.Chunks,
		segmentTimeout: cfg.SegmentTimeout,
		retries:        cfg.Retries,
		playlistLimit:  maxPlaylistSize,
		segmentLimit:   maxSegmentSize,
	}
}

// Name はバックエンド名を返す。
func (f *SegmentFetcher) Name() string { return "segments" }

// Extension は出力ファイルの拡張子を返す。
func (f *SegmentFetcher) Extension() string { return ".ts" }

// Start はセグメント取得を開始する。
func (f *SegmentFetcher) Start(ctx context.Context, job Job) *Attempt {
	return startAttempt(ctx, job, f.run)
}

type segmentResult struct {
	data []byte
	err  error
}

func (f *SegmentFetcher) run(ctx context.Context, job Job, emit func(Event)) error {
	// タイムアウトはセグメント単位で設定する
	client := f.guard.NewSafeClient(0)

	segments, err := f.resolveSegments(ctx, client, job.ManifestURL, 0)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("playlist has no segments")
	}

	out, err := os.Create(job.OutputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()
	w := bufio.NewWriterSize(out, 1<<20)

	// 戻る前に全goroutineの終了を待ち、クローズ後のemitを防ぐ
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// semaphoreで先読み数を制限する。枠は書き込み完了時に解放する。
	sem := make(chan struct{}, f.chunks)
	results := make([]chan segmentResult, len(segments))
	for i := range results {
		results[i] = make(chan segmentResult, 1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, segURL := range segments {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(i int, segURL string) {
				defer wg.Done()
				data, err := f.fetchSegment(ctx, client, segURL, emit)
				results[i] <- segmentResult{data: data, err: err}
			}(i, segURL)
		}
	}()

	total := len(segments)
	for i := range segments {
		var res segmentResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, total, res.err)
		}
		if _, err := w.Write(res.data); err != nil {
			return fmt.Errorf("write segment %d/%d: %w", i+1, total, err)
		}
		<-sem

		emit(Event{Kind: EventProgress, Percent: percentOf(float64(i+1), float64(total))})
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output file: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync output file: %w", err)
	}
	return nil
}

// resolveSegments はプレイリストを取得し、セグメントの絶対URLを順に返す。
// マスタープレイリストの場合は最も帯域の大きいバリアントを辿る。
func (f *SegmentFetcher) resolveSegments(ctx context.Context, client *http.Client, manifestURL string, depth int) ([]string, error) {
	if depth > maxPlaylistDepth {
		return nil, fmt.Errorf("playlist nesting too deep")
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL: %w", err)
	}

	body, err := f.get(ctx, client, manifestURL, f.playlistLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		next, err := resolveReference(base, best.URI)
		if err != nil {
			return nil, err
		}
		return f.resolveSegments(ctx, client, next, depth+1)

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		if isEncrypted(media.Key) {
			return nil, fmt.Errorf("encrypted playlists are not supported")
		}
		urls := make([]string, 0, media.Count())
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			if isEncrypted(seg.Key) {
				return nil, fmt.Errorf("encrypted playlists are not supported")
			}
			u, err := resolveReference(base, seg.URI)
			if err != nil {
				return nil, err
			}
			urls = append(urls, u)
		}
		return urls, nil

	default:
		return nil, fmt.Errorf("unknown playlist type")
	}
}

// fetchSegment はセグメントを取得する。タイムアウトは一時的エラーとして通知し、
// retries回まで再試行する。それ以外のエラーは即座に返す。
func (f *SegmentFetcher) fetchSegment(ctx context.Context, client *http.Client, segURL string, emit func(Event)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		data, err := f.get(ctx, client, segURL, f.segmentLimit)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTimeout(err) {
			return nil, err
		}

		lastErr = &TransientError{Op: "download segment", Err: err}
		emit(Event{Kind: EventTransient, Err: lastErr})
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", f.retries+1, lastErr)
}

// get はURLを検証してから取得し、本体を返す。タイムアウトはsegmentTimeoutを使う。
func (f *SegmentFetcher) get(ctx context.Context, client *http.Client, rawURL string, limit int64) ([]byte, error) {
	if err := f.guard.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.segmentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "lamd/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	// 上限を1バイト超えて読み、切り詰められた本体を成功扱いにしない
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body for %s exceeds %d bytes", rawURL, limit)
	}
	return data, nil
}

func resolveReference(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid playlist entry %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

func isEncrypted(key *m3u8.Key) bool {
	return key != nil && key.Method != "" && !strings.EqualFold(key.Method, "NONE")
}

// isTimeout はerrがタイムアウトによるものかを判定する。
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
