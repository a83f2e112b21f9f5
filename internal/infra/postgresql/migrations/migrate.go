package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/gabinetedigital/dispatcher/internal/repository"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_delivery_records",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryRecordModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_delivery_records_phone_created ON delivery_records (recipient_phone, created_at DESC)`,
					`CREATE INDEX IF NOT EXISTS idx_delivery_records_status ON delivery_records (status)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryRecordModel{})
			},
		},
		{
			ID: "000002_create_constituents",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ConstituentModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_constituents_phone ON constituents (phone_number) WHERE phone_number <> ''`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ConstituentModel{})
			},
		},
		{
			ID: "000003_create_channel_configs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.ChannelConfigModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ChannelConfigModel{})
			},
		},
	})

	return m.Migrate()
}
