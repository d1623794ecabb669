// Package config はデーモンの設定読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ストアの種類。
const (
	StoreTypeFile     = "file"
	StoreTypePostgres = "postgres"
)

// クランプ範囲。
const (
	MinDownloadChunks = 2
	MaxDownloadChunks = 250
	MinLoopCycle      = 15
	MaxLoopCycle      = 360
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
// tomlタグを持つ項目は設定ファイルでも指定できる。
type Config struct {
	// Download
	DownloaderFFMPEG bool   `toml:"downloader_ffmpeg"`
	DownloadPath     string `toml:"download_path"`
	DownloadChunks   int    `toml:"download_chunks"`
	DownloadTemplate string `toml:"download_template"`
	FFmpegPath       string `toml:"ffmpeg_path"`

	// Scan
	LoopCycle int `toml:"loop_cycle"`

	// Control API
	LocalPort int `toml:"local_port"`

	// Logging
	ConsoleOutput bool `toml:"console_output"`

	// Store
	StoreType   string `toml:"store_type"`
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`

	// Provider
	ProviderBaseURL   string `toml:"provider_base_url"`
	ProviderEmail     string `toml:"provider_email"`
	ProviderPassword  string `toml:"provider_password"`
	AllowPrivateHosts bool   `toml:"allow_private_hosts"`

	// 環境変数のみで指定する値
	ScanTickInterval time.Duration `toml:"-"`
	ScanAccountDelay time.Duration `toml:"-"`
	ScanStartupDelay time.Duration `toml:"-"`
	ResumeDelay      time.Duration `toml:"-"`
	ShutdownGrace    time.Duration `toml:"-"`
	ProviderTimeout  time.Duration `toml:"-"`
	SegmentTimeout   time.Duration `toml:"-"`
	SegmentRetries   int           `toml:"-"`
}

// Default はデフォルト値で初期化されたConfigを返す。
func Default() *Config {
	downloadPath := "Downloads"
	if home, err := os.UserHomeDir(); err == nil {
		downloadPath = filepath.Join(home, "Downloads")
	}

	return &Config{
		DownloaderFFMPEG: true,
		DownloadPath:     downloadPath,
		DownloadChunks:   10,
		DownloadTemplate: "%%replayid%%",
		FFmpegPath:       "ffmpeg",
		LoopCycle:        30,
		LocalPort:        8280,
		ConsoleOutput:    true,
		StoreType:        StoreTypeFile,
		DataDir:          ".",
		ScanTickInterval: time.Minute,
		ScanAccountDelay: 250 * time.Millisecond,
		ScanStartupDelay: time.Second,
		ResumeDelay:      5 * time.Second,
		ShutdownGrace:    250 * time.Millisecond,
		ProviderTimeout:  15 * time.Second,
		SegmentTimeout:   30 * time.Second,
		SegmentRetries:   3,
	}
}

// Load はデフォルト値、設定ファイル、環境変数の順に設定を重ねて読み込む。
// 設定ファイルのパスはLAMD_CONFIGで指定する（未指定時はconfig.toml）。
// ファイルが存在しない場合はスキップする。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg, err := LoadLayers()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLayers は必須項目を検証せずに設定を重ねて読み込む。
// writecfgのように接続先が未設定でも動く必要があるコマンドで使う。
func LoadLayers() (*Config, error) {
	cfg := Default()

	if err := cfg.readFile(ConfigPath()); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

// Validate は必須項目とストア種別を検証する。
func (cfg *Config) Validate() error {
	var missing []string
	if cfg.ProviderBaseURL == "" {
		missing = append(missing, "PROVIDER_BASE_URL")
	}
	if cfg.StoreType == StoreTypePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required settings are not set: %v", missing)
	}

	if cfg.StoreType != StoreTypeFile && cfg.StoreType != StoreTypePostgres {
		return fmt.Errorf("unknown store type: %q", cfg.StoreType)
	}
	return nil
}

// readFile はTOML設定ファイルをcfgに重ねて読み込む。
func (cfg *Config) readFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定値を上書きする。
func (cfg *Config) applyEnv() {
	cfg.DownloaderFFMPEG = getEnvBool("DOWNLOADER_FFMPEG", cfg.DownloaderFFMPEG)
	cfg.DownloadPath = getEnvString("DOWNLOAD_PATH", cfg.DownloadPath)
	cfg.DownloadChunks = getEnvInt("DOWNLOAD_CHUNKS", cfg.DownloadChunks)
	cfg.DownloadTemplate = getEnvString("DOWNLOAD_TEMPLATE", cfg.DownloadTemplate)
	cfg.FFmpegPath = getEnvString("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.LoopCycle = getEnvInt("LOOP_CYCLE", cfg.LoopCycle)
	cfg.LocalPort = getEnvInt("LOCAL_PORT", cfg.LocalPort)
	cfg.ConsoleOutput = getEnvBool("CONSOLE_OUTPUT", cfg.ConsoleOutput)
	cfg.StoreType = strings.ToLower(getEnvString("STORE_TYPE", cfg.StoreType))
	cfg.DataDir = getEnvString("DATA_DIR", cfg.DataDir)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", cfg.DatabaseURL)
	cfg.ProviderBaseURL = getEnvString("PROVIDER_BASE_URL", cfg.ProviderBaseURL)
	cfg.ProviderEmail = getEnvString("PROVIDER_EMAIL", cfg.ProviderEmail)
	cfg.ProviderPassword = getEnvString("PROVIDER_PASSWORD", cfg.ProviderPassword)
	cfg.AllowPrivateHosts = getEnvBool("ALLOW_PRIVATE_HOSTS", cfg.AllowPrivateHosts)

	cfg.ScanTickInterval = getEnvDuration("SCAN_TICK_INTERVAL", cfg.ScanTickInterval)
	cfg.ScanAccountDelay = getEnvDuration("SCAN_ACCOUNT_DELAY", cfg.ScanAccountDelay)
	cfg.ScanStartupDelay = getEnvDuration("SCAN_STARTUP_DELAY", cfg.ScanStartupDelay)
	cfg.ResumeDelay = getEnvDuration("RESUME_DELAY", cfg.ResumeDelay)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	cfg.SegmentTimeout = getEnvDuration("SEGMENT_TIMEOUT", cfg.SegmentTimeout)
	cfg.SegmentRetries = getEnvInt("SEGMENT_RETRIES", cfg.SegmentRetries)
}

// clamp は範囲制約のある値を許容範囲に収める。
func (cfg *Config) clamp() {
	cfg.DownloadChunks = clampInt(cfg.DownloadChunks, MinDownloadChunks, MaxDownloadChunks)
	cfg.LoopCycle = clampInt(cfg.LoopCycle, MinLoopCycle, MaxLoopCycle)
	if cfg.SegmentRetries < 0 {
		cfg.SegmentRetries = 0
	}
}

// Write は設定をTOML形式でwに書き込む。
func (cfg *Config) Write(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteFile は設定をTOMLファイルとして書き出す。
// provider_passwordとdatabase_urlを平文で含むため、所有者のみ読み書きできる権限で作成する。
func (cfg *Config) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := cfg.Write(f); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// ConfigPath は設定ファイルのパスを返す。
func ConfigPath() string {
	return getEnvString("LAMD_CONFIG", "config.toml")
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
