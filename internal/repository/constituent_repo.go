package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

// ConstituentRepository is the read-only directory batches are populated
// from. How the rows got there (imports, manual entry) is out of scope.
type ConstituentRepository interface {
	ListWithPhone(ctx context.Context) ([]domain.Constituent, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Constituent, error)
}

type GormConstituentRepo struct {
	db *gorm.DB
}

func NewGormConstituentRepo(db *gorm.DB) *GormConstituentRepo {
	return &GormConstituentRepo{db: db}
}

func (r *GormConstituentRepo) ListWithPhone(ctx context.Context) ([]domain.Constituent, error) {
	var models []ConstituentModel
	err := r.db.WithContext(ctx).
		Where("phone_number IS NOT NULL AND phone_number <> ''").
		Order("name ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return constituentsToDomain(models), nil
}

func (r *GormConstituentRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Constituent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []ConstituentModel
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("name ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return constituentsToDomain(models), nil
}

func constituentsToDomain(models []ConstituentModel) []domain.Constituent {
	constituents := make([]domain.Constituent, 0, len(models))
	for i := range models {
		constituents = append(constituents, *constituentModelToDomain(&models[i]))
	}
	return constituents
}
