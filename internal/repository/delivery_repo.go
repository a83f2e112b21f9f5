package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

type DeliveryRecordRepository interface {
	Create(ctx context.Context, record *domain.DeliveryRecord) error
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error)
	CompareAndSetStatus(ctx context.Context, providerMessageID string, status domain.DeliveryStatus, at time.Time) (bool, error)
	LatestOutboundWithReaction(ctx context.Context, recipientPhone string) (*domain.DeliveryRecord, error)
}

type GormDeliveryRecordRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRecordRepo(db *gorm.DB) *GormDeliveryRecordRepo {
	return &GormDeliveryRecordRepo{db: db}
}

func (r *GormDeliveryRecordRepo) Create(ctx context.Context, record *domain.DeliveryRecord) error {
	if record != nil {
		record.StatusRank = record.Status.Rank()
	}
	if err := record.Validate(); err != nil {
		return err
	}

	model := deliveryRecordModelFromDomain(record)
	// A resend of the same provider message id keeps the first row.
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
	if err != nil {
		return err
	}

	*record = *deliveryRecordModelToDomain(model)
	return nil
}

func (r *GormDeliveryRecordRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.DeliveryRecord, error) {
	var model DeliveryRecordModel
	err := r.db.WithContext(ctx).
		First(&model, "provider_message_id = ?", providerMessageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryRecordModelToDomain(&model), nil
}

// CompareAndSetStatus advances one record monotonically: the update applies
// only while the stored rank is strictly below the incoming one, so
// duplicated or out-of-order callbacks collapse to no-ops. The first-reach
// timestamp of the incoming status is set once and never overwritten.
func (r *GormDeliveryRecordRepo) CompareAndSetStatus(ctx context.Context, providerMessageID string, status domain.DeliveryStatus, at time.Time) (bool, error) {
	if !status.IsValid() {
		return false, domain.ErrValidation
	}

	rank := status.Rank()
	updates := map[string]any{
		"status":      status,
		"status_rank": rank,
		"updated_at":  at,
	}

	switch status {
	case domain.DeliverySent:
		updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", at)
	case domain.DeliveryDelivered:
		updates["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", at)
	case domain.DeliveryRead, domain.DeliveryPlayed:
		updates["read_at"] = gorm.Expr("COALESCE(read_at, ?)", at)
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryRecordModel{}).
		Where("provider_message_id = ? AND status_rank < ?", providerMessageID, rank).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *GormDeliveryRecordRepo) LatestOutboundWithReaction(ctx context.Context, recipientPhone string) (*domain.DeliveryRecord, error) {
	var model DeliveryRecordModel
	err := r.db.WithContext(ctx).
		Where("recipient_phone = ? AND reaction_emoji IS NOT NULL", recipientPhone).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryRecordModelToDomain(&model), nil
}
