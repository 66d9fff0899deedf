package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/credit_ledger_server/internal/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID 宿主平台维护用户表，本系统只读
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// TierOf 返回用户当前生效的订阅档位，用户不存在时按 free 处理
func (r *UserRepository) TierOf(ctx context.Context, userID int64) (string, error) {
	user, err := r.GetByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "free", nil
	}
	if err != nil {
		return "", err
	}
	return user.EffectiveTier(time.Now()), nil
}
