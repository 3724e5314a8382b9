package service

import (
	"errors"

	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidRoomCode   = errors.New("invalid room code")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrHistoryDisabled   = errors.New("spin history is not enabled")
	ErrInvalidSpinRecord = errors.New("invalid spin record")
	ErrInternalServer    = errors.New("internal server error")
)

// mapRepoError 将仓库层错误映射为服务层错误
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrRoomNotFound
	}
	return ErrInternalServer
}
