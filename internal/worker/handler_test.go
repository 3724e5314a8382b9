package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	memstate "github.com/isaacncz/Eat-Spin-sub000/internal/infra/state/memory"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository/mocks"
	"github.com/isaacncz/Eat-Spin-sub000/internal/service"
	"github.com/isaacncz/Eat-Spin-sub000/internal/tasks"
	"github.com/isaacncz/Eat-Spin-sub000/internal/worker"
)

func spinTask(t *testing.T, rec domain.SpinRecord) *asynq.Task {
	t.Helper()
	task, err := tasks.NewSpinPersistenceTask("ABC234", rec)
	require.NoError(t, err)
	return task
}

func TestSpinPersistenceHandler(t *testing.T) {
	rec := domain.SpinRecord{SpinID: "01HZX3J8V6Q2W7N4K5M9P0R1ST", WinnerIndex: 0, WinnerName: "Tacos", StartedBy: "u1"}

	t.Run("成功写库", func(t *testing.T) {
		// Arrange
		repo := new(mocks.SpinHistoryRepository)
		repo.On("Save", mock.Anything, mock.MatchedBy(func(h *domain.SpinHistory) bool {
			return h.SpinID == rec.SpinID && h.RoomCode == "ABC234"
		})).Return(nil).Once()
		h := worker.NewSpinPersistenceHandler(service.NewHistoryService(repo, nil))

		// Act
		err := h.ProcessTask(context.Background(), spinTask(t, rec))

		// Assert
		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("重复投递视为成功", func(t *testing.T) {
		// Arrange
		repo := new(mocks.SpinHistoryRepository)
		repo.On("Save", mock.Anything, mock.Anything).Return(repository.ErrDuplicateEntry).Once()
		h := worker.NewSpinPersistenceHandler(service.NewHistoryService(repo, nil))

		// Act
		err := h.ProcessTask(context.Background(), spinTask(t, rec))

		// Assert
		assert.NoError(t, err)
	})

	t.Run("数据库错误需要重试", func(t *testing.T) {
		// Arrange
		repo := new(mocks.SpinHistoryRepository)
		repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("db gone")).Once()
		h := worker.NewSpinPersistenceHandler(service.NewHistoryService(repo, nil))

		// Act
		err := h.ProcessTask(context.Background(), spinTask(t, rec))

		// Assert
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("无法解析的 payload 不重试", func(t *testing.T) {
		// Arrange
		h := worker.NewSpinPersistenceHandler(service.NewHistoryService(new(mocks.SpinHistoryRepository), nil))

		// Act
		err := h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeSpinPersistence, []byte("{")))

		// Assert
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("非法记录不重试", func(t *testing.T) {
		// Arrange
		repo := new(mocks.SpinHistoryRepository)
		h := worker.NewSpinPersistenceHandler(service.NewHistoryService(repo, nil))

		// Act
		err := h.ProcessTask(context.Background(), spinTask(t, domain.SpinRecord{}))

		// Assert
		assert.ErrorIs(t, err, asynq.SkipRetry)
		repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}

func TestRoomCleanupHandler(t *testing.T) {
	// Arrange
	ctx := context.Background()
	conn := memstate.NewBackend().NewConn()
	require.NoError(t, conn.Set(ctx, domain.MetaPath("OLD333"), domain.RoomMeta{
		HostUID:   "host",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	}))
	h := worker.NewRoomCleanupHandler(service.NewCleanupService(conn, nil))
	task, err := tasks.NewRoomCleanupTask(false, false)
	require.NoError(t, err)

	// Act
	processErr := h.ProcessTask(ctx, task)

	// Assert
	require.NoError(t, processErr)
	keys, err := conn.ChildKeys(ctx, domain.RoomsRoot)
	require.NoError(t, err)
	assert.Empty(t, keys, "过期房间应被删除")
}
