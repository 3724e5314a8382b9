package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// 单次查询返回的最大记录数
const maxHistoryLimit = 100

// GormSpinHistoryRepository 是 SpinHistoryRepository 接口的 GORM 实现
type GormSpinHistoryRepository struct {
	db *gorm.DB
}

// NewGormSpinHistoryRepository 创建 GormSpinHistoryRepository 实例
func NewGormSpinHistoryRepository(db *gorm.DB) *GormSpinHistoryRepository {
	if db == nil {
		panic("database connection cannot be nil for GormSpinHistoryRepository")
	}
	return &GormSpinHistoryRepository{db: db}
}

// Save 实现保存一条转盘记录
func (r *GormSpinHistoryRepository) Save(ctx context.Context, history *domain.SpinHistory) error {
	err := r.db.WithContext(ctx).Create(history).Error
	if err != nil {
		if isDuplicateEntry(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save spin history (spin_id: %s, room: %s): %w", history.SpinID, history.RoomCode, err)
	}
	return nil
}

// FindByRoomCode 实现按房间查询最近的转盘记录
func (r *GormSpinHistoryRepository) FindByRoomCode(ctx context.Context, roomCode string, limit int) ([]domain.SpinHistory, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var histories []domain.SpinHistory
	err := r.db.WithContext(ctx).
		Where("room_code = ?", roomCode).
		Order("started_at desc").
		Limit(limit).
		Find(&histories).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find spin history for room %s: %w", roomCode, err)
	}
	return histories, nil
}

// isDuplicateEntry 检查 MySQL 唯一约束冲突 (1062)
func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
