package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/qs3c/credit_ledger_server/internal/model"
	"github.com/qs3c/credit_ledger_server/internal/pkg/storage"
	"github.com/qs3c/credit_ledger_server/internal/repository"
)

const (
	defaultReuploadInterval = 5 * time.Minute
	reuploadBatchSize       = 50
)

// LocalArtifacts 由 repository.MoodboardRepository 实现
type LocalArtifacts interface {
	ListLocalEnhancements(ctx context.Context, limit int) ([]*model.MoodboardItem, error)
	ReplaceEnhancedURL(ctx context.Context, itemID int64, from, to string) error
}

// Reuploader 把 OSS 故障期间落在本地的增强结果补传到 OSS 并更新归属对象
type Reuploader struct {
	items    LocalArtifacts
	uploader storage.Uploader
	interval time.Duration
	logger   *slog.Logger
}

func NewReuploader(items LocalArtifacts, uploader storage.Uploader, interval time.Duration) *Reuploader {
	if interval <= 0 {
		interval = defaultReuploadInterval
	}
	return &Reuploader{
		items:    items,
		uploader: uploader,
		interval: interval,
		logger:   slog.Default().With("component", "reuploader"),
	}
}

// Start 启动后先执行一次，之后按间隔执行，阻塞到 ctx 结束
func (r *Reuploader) Start(ctx context.Context) {
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reuploader stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce 处理一批本地结果，返回成功补传的数量
func (r *Reuploader) RunOnce(ctx context.Context) int {
	items, err := r.items.ListLocalEnhancements(ctx, reuploadBatchSize)
	if err != nil {
		r.logger.Error("failed to query local enhancements", "error", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}
	r.logger.Info("found local enhancements to re-upload", "count", len(items))

	uploaded := 0
	for _, item := range items {
		if err := r.reupload(ctx, item); err != nil {
			r.logger.Warn("re-upload failed", "item_id", item.ID, "path", item.EnhancedImageURL, "error", err)
			continue
		}
		uploaded++
	}
	return uploaded
}

func (r *Reuploader) reupload(ctx context.Context, item *model.MoodboardItem) error {
	localPath := item.EnhancedImageURL
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	url, err := r.uploader.UploadFile("enhanced/"+filepath.Base(localPath), data, http.DetectContentType(data))
	if err != nil {
		return err
	}

	err = r.items.ReplaceEnhancedURL(ctx, item.ID, localPath, url)
	if errors.Is(err, repository.ErrStaleState) {
		// 期间已有新的增强结果，本地文件作废
		r.logger.Info("local enhancement superseded", "item_id", item.ID)
	} else if err != nil {
		return err
	}

	os.Remove(localPath)
	r.logger.Info("re-uploaded enhancement to OSS", "item_id", item.ID, "url", url)
	return nil
}
