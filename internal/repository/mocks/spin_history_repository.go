// Package mocks 提供 repository 接口的 testify mock 实现
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
)

// SpinHistoryRepository 是 repository.SpinHistoryRepository 的 mock
type SpinHistoryRepository struct {
	mock.Mock
}

// Save 记录调用并返回预设的错误
func (m *SpinHistoryRepository) Save(ctx context.Context, history *domain.SpinHistory) error {
	args := m.Called(ctx, history)
	return args.Error(0)
}

// FindByRoomCode 记录调用并返回预设的结果
func (m *SpinHistoryRepository) FindByRoomCode(ctx context.Context, roomCode string, limit int) ([]domain.SpinHistory, error) {
	args := m.Called(ctx, roomCode, limit)
	var histories []domain.SpinHistory
	if v := args.Get(0); v != nil {
		histories = v.([]domain.SpinHistory)
	}
	return histories, args.Error(1)
}
