package repository

import (
	"context"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
)

// SpinHistoryRepository 定义了转盘历史的存储和检索操作，通常由 GORM 实现。
type SpinHistoryRepository interface {
	// Save 保存一条转盘记录。SpinID 重复时返回 ErrDuplicateEntry。
	Save(ctx context.Context, history *domain.SpinHistory) error

	// FindByRoomCode 按开始时间倒序返回房间最近的 limit 条记录。
	FindByRoomCode(ctx context.Context, roomCode string, limit int) ([]domain.SpinHistory, error)
}
