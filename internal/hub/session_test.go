package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isaacncz/Eat-Spin-sub000/internal/coordinator"
	memstate "github.com/isaacncz/Eat-Spin-sub000/internal/infra/state/memory"
)

func newTestSession(t *testing.T, defaultName string) *Session {
	t.Helper()
	conn := memstate.NewBackend().NewConn()
	coord := coordinator.New(conn, "uid-1", coordinator.Config{})
	t.Cleanup(func() {
		_ = coord.Close()
		_ = conn.Close(context.Background())
	})
	return NewSession(coord, defaultName)
}

func resultOf(t *testing.T, f Frame) Result {
	t.Helper()
	require.Equal(t, FrameResult, f.Type)
	r, ok := f.Payload.(Result)
	require.True(t, ok)
	return r
}

func TestSession_CreateUsesDefaultName(t *testing.T) {
	// Arrange
	s := newTestSession(t, "  Dana  ")
	ctx := context.Background()

	// Act
	res := resultOf(t, s.Handle(ctx, Command{Type: OpCreate}))

	// Assert
	require.True(t, res.OK, res.Reason)
	assert.Len(t, res.Code, 6)
	// 参与者列表经由订阅异步送达
	require.Eventually(t, func() bool { return len(s.coord.State().Participants) == 1 }, timeoutShort, tick)
	assert.Equal(t, "Dana", s.coord.State().Participants[0].Name)
}

func TestSession_CreateWithoutAnyName(t *testing.T) {
	// Arrange
	s := newTestSession(t, "")

	// Act
	res := resultOf(t, s.Handle(context.Background(), Command{Type: OpCreate}))

	// Assert
	assert.False(t, res.OK)
	assert.Equal(t, coordinator.KindValidation, res.Kind)
	assert.Equal(t, coordinator.Reason(coordinator.ErrInvalidName), res.Reason)
}

func TestSession_MalformedAndUnknown(t *testing.T) {
	// Arrange
	s := newTestSession(t, "Dana")
	ctx := context.Background()

	// Act
	bad := resultOf(t, s.Handle(ctx, Command{Type: OpReady, Payload: json.RawMessage(`{"ready":"yes"}`)}))
	unknown := resultOf(t, s.Handle(ctx, Command{Type: "teleport"}))
	pong := s.Handle(ctx, Command{Type: OpPing})
	notInRoom := resultOf(t, s.Handle(ctx, Command{Type: OpSpin}))

	// Assert
	assert.Equal(t, malformedReason, bad.Reason)
	assert.Equal(t, coordinator.KindValidation, unknown.Kind)
	assert.Equal(t, FramePong, pong.Type)
	assert.Equal(t, coordinator.KindValidation, notInRoom.Kind, "未加入房间时转盘是输入错误")
}

func TestSession_ListAndSpin(t *testing.T) {
	// Arrange
	s := newTestSession(t, "Dana")
	ctx := context.Background()
	require.True(t, resultOf(t, s.Handle(ctx, Command{Type: OpCreate})).OK)

	// Act
	listRes := resultOf(t, s.Handle(ctx, Command{Type: OpList, Payload: json.RawMessage(`{"items":["Pizza"]}`)}))
	spinRes := resultOf(t, s.Handle(ctx, Command{Type: OpSpin}))

	// Assert
	assert.True(t, listRes.OK)
	require.True(t, spinRes.OK, spinRes.Reason)
	assert.Equal(t, "Pizza", spinRes.Spin.WinnerName)
}

const (
	timeoutShort = 2 * time.Second
	tick         = 10 * time.Millisecond
)
