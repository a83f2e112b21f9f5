package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

type ChannelConfigRepository interface {
	Resolve(ctx context.Context, category string) (*domain.ChannelConfig, error)
}

type GormChannelConfigRepo struct {
	db *gorm.DB
}

func NewGormChannelConfigRepo(db *gorm.DB) *GormChannelConfigRepo {
	return &GormChannelConfigRepo{db: db}
}

// Resolve loads the outbound configuration of a notification category. The
// dispatch loop calls this once per recipient, so edits land mid-batch.
func (r *GormChannelConfigRepo) Resolve(ctx context.Context, category string) (*domain.ChannelConfig, error) {
	normalized := strings.ToLower(strings.TrimSpace(category))
	if normalized == "" {
		return nil, domain.ErrValidation
	}

	var model ChannelConfigModel
	err := r.db.WithContext(ctx).First(&model, "category = ?", normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return channelConfigModelToDomain(&model), nil
}
