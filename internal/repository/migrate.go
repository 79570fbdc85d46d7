package repository

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migration is one numbered schema step. Migrations are applied in order and
// recorded in schema_migrations; a pre-existing schema can be baselined by
// seeding that table.
type migration struct {
	Version int
	Name    string
	Apply   func(db *gorm.DB) error
}

type schemaMigration struct {
	Version   int `gorm:"primaryKey"`
	Name      string
	AppliedAt time.Time
}

func (schemaMigration) TableName() string { return "schema_migrations" }

var migrations = []migration{
	{
		Version: 1,
		Name:    "baseline tables",
		Apply: func(db *gorm.DB) error {
			return db.AutoMigrate(&traderModel{}, &tradeModel{}, &patternModel{})
		},
	},
	{
		Version: 2,
		Name:    "trader status and leverage checks",
		Apply: func(db *gorm.DB) error {
			stmts := []string{
				`ALTER TABLE traders ADD CONSTRAINT chk_traders_status
					CHECK (status IN ('ACTIVE','PAUSED','STOPPED','ERROR'))`,
				`ALTER TABLE traders ADD CONSTRAINT chk_traders_leverage
					CHECK (leverage BETWEEN 1 AND 125)`,
				`ALTER TABLE trades ADD CONSTRAINT chk_trades_type
					CHECK (trade_type IN ('LONG','SHORT'))`,
				`ALTER TABLE trades ADD CONSTRAINT chk_trades_status
					CHECK (status IN ('OPEN','CLOSED','CANCELLED'))`,
				`ALTER TABLE patterns ADD CONSTRAINT chk_patterns_confidence
					CHECK (confidence >= 0 AND confidence <= 1)`,
			}
			for _, stmt := range stmts {
				if err := db.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// migrate applies all pending migrations in version order.
func (r *SQLRepository) migrate() error {
	if err := r.db.AutoMigrate(&schemaMigration{}); err != nil {
		return fmt.Errorf("prepare schema_migrations: %w", err)
	}

	var applied []schemaMigration
	if err := r.db.Find(&applied).Error; err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if err := m.Apply(r.db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		record := schemaMigration{Version: m.Version, Name: m.Name, AppliedAt: time.Now()}
		if err := r.db.Create(&record).Error; err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		r.logger.Info("Applied migration",
			zap.Int("version", m.Version),
			zap.String("name", m.Name))
	}
	return nil
}
