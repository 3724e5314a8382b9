package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
	"github.com/isaacncz/Eat-Spin-sub000/internal/tasks"
)

// 默认返回的历史记录条数
const defaultHistoryLimit = 20

// TaskEnqueuer 是 asynq.Client 中用到的部分
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// HistoryService 负责转盘历史的异步持久化与查询。
// 历史只用于诊断，写入失败不影响实时结果。
type HistoryService struct {
	repo     repository.SpinHistoryRepository
	enqueuer TaskEnqueuer
}

// NewHistoryService 创建 HistoryService 实例。repo 为 nil 时历史功能关闭；
// enqueuer 为 nil 时同步写库。
func NewHistoryService(repo repository.SpinHistoryRepository, enqueuer TaskEnqueuer) *HistoryService {
	return &HistoryService{repo: repo, enqueuer: enqueuer}
}

// Enabled 返回历史功能是否可用
func (s *HistoryService) Enabled() bool {
	return s != nil && s.repo != nil
}

// RecordSpin 提交一次转盘结果的持久化。以 SpinID 作为任务 ID，重复提交会被去重。
func (s *HistoryService) RecordSpin(ctx context.Context, roomCode string, rec domain.SpinRecord) error {
	if !s.Enabled() {
		return nil
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "spin_id": rec.SpinID})
	if s.enqueuer == nil {
		return s.Persist(ctx, roomCode, rec)
	}

	task, err := tasks.NewSpinPersistenceTask(roomCode, rec)
	if err != nil {
		logCtx.WithError(err).Error("Failed to build spin persistence task")
		return ErrInternalServer
	}
	info, err := s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue("default"),
		asynq.MaxRetry(5),
		asynq.TaskID(rec.SpinID),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logCtx.Debug("Spin persistence task already enqueued")
			return nil
		}
		logCtx.WithError(err).Error("Failed to enqueue spin persistence task")
		return ErrInternalServer
	}
	logCtx.WithField("task_id", info.ID).Debug("Spin persistence task enqueued")
	return nil
}

// Persist 直接把转盘结果写库，重复写入视为成功
func (s *HistoryService) Persist(ctx context.Context, roomCode string, rec domain.SpinRecord) error {
	if !s.Enabled() {
		return ErrHistoryDisabled
	}
	if !roomcode.ValidRoomCode(roomCode) || rec.SpinID == "" || rec.WinnerName == "" {
		return ErrInvalidSpinRecord
	}
	err := s.repo.Save(ctx, domain.NewSpinHistory(roomCode, rec))
	if err != nil && !errors.Is(err, repository.ErrDuplicateEntry) {
		return fmt.Errorf("persist spin %s: %w", rec.SpinID, err)
	}
	return nil
}

// ListSpins 返回房间最近的转盘记录
func (s *HistoryService) ListSpins(ctx context.Context, input string, limit int) ([]domain.SpinHistory, error) {
	if !s.Enabled() {
		return nil, ErrHistoryDisabled
	}
	code := roomcode.ExtractRoomCode(input)
	if !roomcode.ValidRoomCode(code) {
		return nil, ErrInvalidRoomCode
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	histories, err := s.repo.FindByRoomCode(ctx, code, limit)
	if err != nil {
		logrus.WithError(err).WithField("room_code", code).Error("Failed to load spin history")
		return nil, mapRepoError(err)
	}
	return histories, nil
}
