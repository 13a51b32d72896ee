package release

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/hitoshi/outagegrid/internal/model"
)

const (
	// AssetsURLPrefix は静的ファイル配信のURLプレフィックス。
	AssetsURLPrefix = "/assets/"
	screenshotsDir  = "screenshots"
)

var allowedImageExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
}

// FileAssetStore はスクリーンショットをローカルディスクに保存するAssetStore。
// 保存先は <root>/screenshots/<unixMillis>_<base> で、/assets/screenshots/... として配信される。
type FileAssetStore struct {
	root    string
	maxSize int64
	now     func() time.Time
}

// NewFileAssetStore はFileAssetStoreを生成し、保存先ディレクトリを作成する。
func NewFileAssetStore(root string, maxSize int64) (*FileAssetStore, error) {
	if err := os.MkdirAll(filepath.Join(root, screenshotsDir), 0o755); err != nil {
		return nil, fmt.Errorf("アセットディレクトリの作成に失敗しました: %w", err)
	}
	return &FileAssetStore{root: root, maxSize: maxSize, now: time.Now}, nil
}

// Root は配信対象のルートディレクトリを返す。
func (s *FileAssetStore) Root() string {
	return s.root
}

// Save は画像を一時ファイル経由でアトミックに書き込み、配信用URLを返す。
func (s *FileAssetStore) Save(fileName string, body io.Reader) (string, error) {
	base := sanitizeFileName(fileName)
	if _, ok := allowedImageExts[strings.ToLower(filepath.Ext(base))]; !ok {
		return "", model.NewInvalidRequestError(fmt.Sprintf("対応していない画像形式です: %s", fileName))
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("スクリーンショットの読み込みに失敗しました: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return "", model.NewInvalidRequestError(fmt.Sprintf("スクリーンショットが大きすぎます（上限 %d バイト）", s.maxSize))
	}

	name := fmt.Sprintf("%d_%s", s.now().UnixMilli(), base)
	dst := filepath.Join(s.root, screenshotsDir, name)
	if err := atomic.WriteFile(dst, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("スクリーンショットの保存に失敗しました: %w", err)
	}
	return path.Join(AssetsURLPrefix, screenshotsDir, name), nil
}

// Remove は配信用URLに対応するファイルを削除する。既に存在しない場合は何もしない。
func (s *FileAssetStore) Remove(url string) error {
	prefix := path.Join(AssetsURLPrefix, screenshotsDir) + "/"
	name, ok := strings.CutPrefix(url, prefix)
	if !ok || name == "" || name != filepath.Base(name) {
		return fmt.Errorf("スクリーンショットのURLが不正です: %s", url)
	}
	err := os.Remove(filepath.Join(s.root, screenshotsDir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("スクリーンショットの削除に失敗しました: %w", err)
	}
	return nil
}

// sanitizeFileName はパス要素を除いたベース名から、URLに使えない文字を取り除く。
func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := b.String()
	ext := filepath.Ext(out)
	if ext == "." {
		ext = ""
	}
	stem := strings.Trim(strings.TrimSuffix(out, ext), ".")
	if stem == "" {
		stem = "screenshot"
	}
	return stem + ext
}
