// Package provider はアカウント・リプレイのメタデータを提供するリモートAPIのクライアント。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hitoshi/lamd/internal/metrics"
	"github.com/hitoshi/lamd/internal/model"
)

const (
	userAgent = "lamd/1.0"
	// maxBodySize はレスポンスボディの読み取り上限。
	maxBodySize = 4 << 20
)

// Client はプロバイダAPIのクライアント。
// Authenticateで取得したトークンを以降のリクエストに付与する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string

	mu    sync.RWMutex
	token string
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLの末尾のスラッシュは取り除く。
func NewClient(httpClient *http.Client, baseURL string, logger *slog.Logger, mc metrics.MetricsCollector) *Client {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    mc,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type replaysResponse struct {
	Replays []model.Replay `json:"replays"`
}

// Authenticate はメールアドレスとパスワードでログインし、アクセストークンを保持する。
// 認証情報が拒否された場合はErrUnauthorizedをラップしたエラーを返す。
func (c *Client) Authenticate(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("%w: credentials are not set", ErrUnauthorized)
	}

	payload, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, bytes.NewReader(payload), &out); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return nil
}

// RecentReplays はアカウントの最新リプレイを新しい順に取得する。
// pageは1始まり。リプレイが無い場合は空スライスを返す。
func (c *Client) RecentReplays(ctx context.Context, userID string, page, size int) ([]model.Replay, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var out replaysResponse
	path := "/users/" + url.PathEscape(userID) + "/replays"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("recent replays for %s: %w", userID, err)
	}
	if out.Replays == nil {
		return []model.Replay{}, nil
	}
	return out.Replays, nil
}

// ReplayInfo はリプレイのメタデータとマニフェストURLを取得する。
func (c *Client) ReplayInfo(ctx context.Context, replayID string) (*model.Replay, error) {
	var out model.Replay
	if err := c.do(ctx, http.MethodGet, "/replays/"+url.PathEscape(replayID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("replay info for %s: %w", replayID, err)
	}
	if out.ID == "" {
		out.ID = replayID
	}
	return &out, nil
}

// do はリクエストを送信し、2xxの場合にレスポンスJSONをoutへデコードする。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("プロバイダAPIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	c.metrics.RecordProviderStatus(resp.StatusCode)

	if err := statusError(resp.StatusCode); err != nil {
		c.logger.Warn("プロバイダAPIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("プロバイダAPIのレスポンスのパースに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
