package mocks

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
)

// TaskEnqueuer 是 asynq.Client 入队方法的 mock
type TaskEnqueuer struct {
	mock.Mock
}

// EnqueueContext 记录调用并返回预设的结果，opts 不参与匹配
func (m *TaskEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	var info *asynq.TaskInfo
	if v := args.Get(0); v != nil {
		info = v.(*asynq.TaskInfo)
	}
	return info, args.Error(1)
}
