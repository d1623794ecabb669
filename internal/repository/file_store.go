package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitoshi/lamd/internal/model"
)

// 永続化ファイル名。
const (
	AccountsFile = "accounts.json"
	QueueFile    = "queued.json"
	FailedFile   = "errored.json"
)

// FileStore はデータディレクトリ内のファイルに各コレクションを保存するStore。
// 書き込みは一時ファイルへの書き出し後にリネームする。
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	return &FileStore{dir: dir, logger: logger}
}

// LoadAccounts はaccounts.jsonを読み込む。
func (s *FileStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	data, err := s.read(AccountsFile)
	if err != nil || data == nil {
		return []model.Account{}, err
	}

	var accounts []model.Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		s.warnMalformed(AccountsFile, err)
		return []model.Account{}, nil
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	return accounts, nil
}

// SaveAccounts はaccounts.jsonを上書きする。
func (s *FileStore) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	if accounts == nil {
		accounts = []model.Account{}
	}
	data, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("failed to marshal accounts: %w", err)
	}
	return s.write(AccountsFile, data)
}

// LoadQueue はqueued.jsonを読み込む。
func (s *FileStore) LoadQueue(ctx context.Context) ([]string, error) {
	data, err := s.read(QueueFile)
	if err != nil || data == nil {
		return []string{}, err
	}

	var queue []string
	if err := json.Unmarshal(data, &queue); err != nil {
		s.warnMalformed(QueueFile, err)
		return []string{}, nil
	}
	if queue == nil {
		queue = []string{}
	}
	return queue, nil
}

// SaveQueue はqueued.jsonを上書きする。
func (s *FileStore) SaveQueue(ctx context.Context, queue []string) error {
	if queue == nil {
		queue = []string{}
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	return s.write(QueueFile, data)
}

// LoadFailed はerrored.jsonを読み込む。1行1件の改行区切り形式。
func (s *FileStore) LoadFailed(ctx context.Context) ([]string, error) {
	data, err := s.read(FailedFile)
	if err != nil || data == nil {
		return []string{}, err
	}

	failed := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			failed = append(failed, line)
		}
	}
	return failed, nil
}

// SaveFailed はerrored.jsonを上書きする。
func (s *FileStore) SaveFailed(ctx context.Context, failed []string) error {
	return s.write(FailedFile, []byte(strings.Join(failed, "\n")))
}

// read はファイルを読み込む。存在しない場合はnil, nilを返す。
func (s *FileStore) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func (s *FileStore) warnMalformed(name string, err error) {
	s.logger.Warn("永続化ファイルが壊れているため空として扱います",
		slog.String("file", name),
		slog.String("error", err.Error()),
	)
}

// write は一時ファイルに書き出してからリネームする。
func (s *FileStore) write(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".lamd-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
