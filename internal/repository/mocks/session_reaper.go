package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// SessionReaper 是 repository.SessionReaper 的 mock
type SessionReaper struct {
	mock.Mock
}

// ReapExpiredSessions 记录调用并返回预设的结果
func (m *SessionReaper) ReapExpiredSessions(ctx context.Context, dryRun bool) (int, error) {
	args := m.Called(ctx, dryRun)
	return args.Int(0), args.Error(1)
}
