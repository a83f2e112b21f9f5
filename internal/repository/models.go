package repository

import (
	"time"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

// DeliveryRecordModel is the persistence model for delivery_records, keyed
// by the message id the provider assigned at send time.
type DeliveryRecordModel struct {
	ProviderMessageID string                `gorm:"type:varchar(255);primaryKey"`
	RecipientPhone    string                `gorm:"type:varchar(32);not null"`
	InstanceName      string                `gorm:"type:varchar(100);not null"`
	Status            domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	StatusRank        int                   `gorm:"not null;default:0"`
	ReactionEmoji     *string               `gorm:"type:varchar(16)"`
	SentAt            *time.Time            `gorm:"type:timestamptz"`
	DeliveredAt       *time.Time            `gorm:"type:timestamptz"`
	ReadAt            *time.Time            `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DeliveryRecordModel) TableName() string {
	return "delivery_records"
}

// ConstituentModel is the persistence model for the constituents directory.
type ConstituentModel struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"type:varchar(255);not null"`
	PhoneNumber string `gorm:"type:varchar(32)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ConstituentModel) TableName() string {
	return "constituents"
}

// ChannelConfigModel is the persistence model for per-category outbound
// channel settings.
type ChannelConfigModel struct {
	Category        string  `gorm:"type:varchar(100);primaryKey"`
	Enabled         bool    `gorm:"not null;default:false"`
	InstanceName    string  `gorm:"type:varchar(100)"`
	MessageTemplate string  `gorm:"type:text"`
	MinDelay        int     `gorm:"not null;default:5"`
	MaxDelay        int     `gorm:"not null;default:15"`
	ReactionEmoji   *string `gorm:"type:varchar(16)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ChannelConfigModel) TableName() string {
	return "channel_configs"
}

func deliveryRecordModelFromDomain(r *domain.DeliveryRecord) *DeliveryRecordModel {
	if r == nil {
		return nil
	}

	return &DeliveryRecordModel{
		ProviderMessageID: r.ProviderMessageID,
		RecipientPhone:    r.RecipientPhone,
		InstanceName:      r.InstanceName,
		Status:            r.Status,
		StatusRank:        r.StatusRank,
		ReactionEmoji:     r.ReactionEmoji,
		SentAt:            r.SentAt,
		DeliveredAt:       r.DeliveredAt,
		ReadAt:            r.ReadAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func deliveryRecordModelToDomain(m *DeliveryRecordModel) *domain.DeliveryRecord {
	if m == nil {
		return nil
	}

	return &domain.DeliveryRecord{
		ProviderMessageID: m.ProviderMessageID,
		RecipientPhone:    m.RecipientPhone,
		InstanceName:      m.InstanceName,
		Status:            m.Status,
		StatusRank:        m.StatusRank,
		ReactionEmoji:     m.ReactionEmoji,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func constituentModelToDomain(m *ConstituentModel) *domain.Constituent {
	if m == nil {
		return nil
	}

	return &domain.Constituent{
		ID:          m.ID,
		Name:        m.Name,
		PhoneNumber: m.PhoneNumber,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func channelConfigModelToDomain(m *ChannelConfigModel) *domain.ChannelConfig {
	if m == nil {
		return nil
	}

	return &domain.ChannelConfig{
		Category:        m.Category,
		Enabled:         m.Enabled,
		InstanceName:    m.InstanceName,
		MessageTemplate: m.MessageTemplate,
		MinDelay:        m.MinDelay,
		MaxDelay:        m.MaxDelay,
		ReactionEmoji:   m.ReactionEmoji,
		UpdatedAt:       m.UpdatedAt,
	}
}
