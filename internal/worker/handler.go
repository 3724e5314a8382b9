package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
	"github.com/isaacncz/Eat-Spin-sub000/internal/tasks"
)

// taskLogger 为任务处理附带统一的日志字段
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"queue":     queue,
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// SpinPersistenceHandler 处理转盘结果持久化任务
type SpinPersistenceHandler struct {
	history *service.HistoryService
}

// NewSpinPersistenceHandler 创建 Handler 实例
func NewSpinPersistenceHandler(history *service.HistoryService) *SpinPersistenceHandler {
	return &SpinPersistenceHandler{history: history}
}

// ProcessTask 实现 asynq.Handler 接口。重复投递写库时视为成功。
func (h *SpinPersistenceHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.SpinPersistencePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{"room_code": payload.RoomCode, "spin_id": payload.Record.SpinID})

	if err := h.history.Persist(ctx, payload.RoomCode, payload.Record); err != nil {
		if errors.Is(err, service.ErrInvalidSpinRecord) || errors.Is(err, service.ErrHistoryDisabled) {
			logCtx.WithError(err).Error("Spin persistence task dropped")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logCtx.WithError(err).Error("Failed to persist spin record")
		return err
	}

	logCtx.Info("Spin persistence task processed successfully")
	return nil
}

// RoomCleanupHandler 处理周期性的过期房间清理任务
type RoomCleanupHandler struct {
	cleanup *service.CleanupService
}

// NewRoomCleanupHandler 创建 Handler 实例
func NewRoomCleanupHandler(cleanup *service.CleanupService) *RoomCleanupHandler {
	if cleanup == nil {
		panic("CleanupService cannot be nil for RoomCleanupHandler")
	}
	return &RoomCleanupHandler{cleanup: cleanup}
}

// ProcessTask 实现 asynq.Handler 接口。清理结果写回任务结果供 asynqmon 查看。
func (h *RoomCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.RoomCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logCtx.WithError(err).Error("Failed to unmarshal task payload")
			return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	report, err := h.cleanup.Run(ctx, payload.DryRun, payload.ReapSessions)
	if err != nil {
		logCtx.WithError(err).Error("Room cleanup failed")
		return err
	}
	if rw := t.ResultWriter(); rw != nil {
		if data, err := json.Marshal(report); err == nil {
			if _, err := rw.Write(data); err != nil {
				logCtx.WithError(err).Warn("Failed to write cleanup report")
			}
		}
	}
	logCtx.WithField("deleted", report.Deleted).Info("Room cleanup task processed successfully")
	return nil
}
