package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/qs3c/credit_ledger_server/internal/pkg/oss"
)

var ErrArtifactTooLarge = errors.New("artifact exceeds size limit")

// Uploader 对象存储上传接口，由 oss.Client 实现
type Uploader interface {
	UploadFile(objectKey string, data []byte, contentType string) (string, error)
}

// ArtifactStorage 拉取服务商结果图片并转存。uploader 为空时写入本地目录
type ArtifactStorage struct {
	httpClient *http.Client
	uploader   Uploader
	localDir   string
	maxBytes   int64
}

func NewArtifactStorage(uploader Uploader, localDir string, maxBytes int64) *ArtifactStorage {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &ArtifactStorage{
		httpClient: &http.Client{},
		uploader:   uploader,
		localDir:   localDir,
		maxBytes:   maxBytes,
	}
}

// Persist 下载 sourceURL 并保存为 enhanced/<taskID>.<ext>，返回可长期访问的地址
func (s *ArtifactStorage) Persist(ctx context.Context, taskID, sourceURL string) (string, error) {
	data, contentType, err := s.fetch(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	name := taskID + oss.ExtForContentType(contentType)
	if s.uploader != nil {
		return s.uploader.UploadFile("enhanced/"+name, data, contentType)
	}
	return s.writeLocal(name, data)
}

func (s *ArtifactStorage) fetch(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid result url: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch result: status %d", resp.StatusCode)
	}

	// 多读一个字节用于判断是否超限
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read result: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, "", ErrArtifactTooLarge
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty result body")
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func (s *ArtifactStorage) writeLocal(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.localDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create result dir: %w", err)
	}
	path := filepath.Join(s.localDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return path, nil
}
