package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
)

// 定义任务类型常量
const (
	TypeSpinPersistence = "spin:persist" // 转盘结果持久化任务类型
	TypeRoomCleanup     = "room:cleanup" // 周期性过期房间清理任务类型
)

// SpinPersistencePayload 定义了转盘结果持久化任务的数据结构
type SpinPersistencePayload struct {
	RoomCode string
	Record   domain.SpinRecord
}

// NewSpinPersistenceTask 创建一个新的转盘结果持久化任务
func NewSpinPersistenceTask(roomCode string, rec domain.SpinRecord) (*asynq.Task, error) {
	payload, err := json.Marshal(SpinPersistencePayload{RoomCode: roomCode, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("marshal spin persistence payload: %w", err)
	}
	return asynq.NewTask(TypeSpinPersistence, payload), nil
}

// RoomCleanupPayload 定义了清理任务的参数
type RoomCleanupPayload struct {
	DryRun       bool
	ReapSessions bool
}

// NewRoomCleanupTask 创建一个过期房间清理任务
func NewRoomCleanupTask(dryRun, reapSessions bool) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomCleanupPayload{DryRun: dryRun, ReapSessions: reapSessions})
	if err != nil {
		return nil, fmt.Errorf("marshal room cleanup payload: %w", err)
	}
	return asynq.NewTask(TypeRoomCleanup, payload), nil
}
