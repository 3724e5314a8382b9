package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
)

// MigrateDB 执行所有数据库迁移，返回错误以便调用者知道迁移是否成功。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if err := migrateSpinHistoryTable(db); err != nil {
		return fmt.Errorf("failed to migrate spin_histories table: %w", err)
	}
	logrus.Info("Database migration completed successfully")
	return nil
}

// migrateSpinHistoryTable 表不存在时用原生 SQL 建表，否则交给 AutoMigrate 补齐列与索引
func migrateSpinHistoryTable(db *gorm.DB) error {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'spin_histories'").Count(&count)

	if count == 0 {
		return createSpinHistoryTable(db)
	}
	if err := db.AutoMigrate(&domain.SpinHistory{}); err != nil {
		logrus.Errorf("Failed to auto-migrate spin_histories table: %v", err)
		return fmt.Errorf("failed to auto-migrate spin_histories: %w", err)
	}
	logrus.Info("spin_histories table schema checked/updated successfully")
	return nil
}

func createSpinHistoryTable(db *gorm.DB) error {
	sql := `
	CREATE TABLE spin_histories (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		spin_id VARCHAR(32) NOT NULL,
		room_code VARCHAR(16) NOT NULL,
		winner_index BIGINT NOT NULL,
		winner_name VARCHAR(191) NOT NULL,
		started_by VARCHAR(64) NOT NULL,
		seed BIGINT NOT NULL,
		started_at DATETIME(3),
		completed_at DATETIME(3),
		created_at DATETIME(3),
		UNIQUE INDEX idx_spin_id (spin_id),
		INDEX idx_room_code (room_code)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_general_ci;
	`
	if err := db.Exec(sql).Error; err != nil {
		logrus.Errorf("Failed to create spin_histories table: %v", err)
		return fmt.Errorf("failed to create spin_histories table: %w", err)
	}
	logrus.Info("spin_histories table created successfully")
	return nil
}
