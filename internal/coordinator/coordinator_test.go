package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isaacncz/Eat-Spin-sub000/internal/coordinator"
	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	memstate "github.com/isaacncz/Eat-Spin-sub000/internal/infra/state/memory"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// --- 测试辅助 ---

// fakeClock 是可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	backend *memstate.Backend
	clock   *fakeClock
	raw     *memstate.Conn // 直接读写存储，模拟其他进程
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := memstate.NewBackend()
	raw := b.NewConn()
	t.Cleanup(func() { _ = raw.Close(context.Background()) })
	return &harness{
		backend: b,
		clock:   &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		raw:     raw,
	}
}

func (h *harness) config(opts ...func(*coordinator.Config)) coordinator.Config {
	cfg := coordinator.Config{
		Now:               h.clock.Now,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (h *harness) client(t *testing.T, uid string, opts ...func(*coordinator.Config)) *coordinator.Coordinator {
	t.Helper()
	return h.clientOn(t, h.backend.NewConn(), uid, opts...)
}

func (h *harness) clientOn(t *testing.T, store repository.StateStore, uid string, opts ...func(*coordinator.Config)) *coordinator.Coordinator {
	t.Helper()
	c := coordinator.New(store, uid, h.config(opts...))
	t.Cleanup(func() {
		_ = c.Close()
		_ = store.Close(context.Background())
	})
	return c
}

func (h *harness) meta(t *testing.T, code string) (domain.RoomMeta, bool) {
	t.Helper()
	raw, ok, err := h.raw.Get(context.Background(), domain.MetaPath(code))
	require.NoError(t, err)
	if !ok {
		return domain.RoomMeta{}, false
	}
	return domain.ParseRoomMeta(raw)
}

func (h *harness) participantExists(t *testing.T, code, uid string) bool {
	t.Helper()
	_, ok, err := h.raw.Get(context.Background(), domain.ParticipantPath(code, uid))
	require.NoError(t, err)
	return ok
}

func fixedCode(code string) func(*coordinator.Config) {
	return func(cfg *coordinator.Config) {
		cfg.NewRoomCode = func() (string, error) { return code, nil }
	}
}

func hasParticipant(st coordinator.State, uid string) bool {
	for _, p := range st.Participants {
		if p.UID == uid {
			return true
		}
	}
	return false
}

// countingStore 统计非心跳类写操作
type countingStore struct {
	repository.StateStore
	mu     sync.Mutex
	writes int
}

func (s *countingStore) bump() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *countingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *countingStore) ReplaceChildren(ctx context.Context, path string, children map[string]interface{}) error {
	s.bump()
	return s.StateStore.ReplaceChildren(ctx, path, children)
}

func (s *countingStore) Transaction(ctx context.Context, path string, fn repository.TxFunc) (bool, error) {
	s.bump()
	return s.StateStore.Transaction(ctx, path, fn)
}

// failingStore 在第 failOn 次 Subscribe 时返回错误
type failingStore struct {
	repository.StateStore
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *failingStore) Subscribe(ctx context.Context, path string, handler func(repository.Snapshot)) (func(), error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return nil, errors.New("subscription refused")
	}
	return s.StateStore.Subscribe(ctx, path, handler)
}

// --- 端到端场景 ---

func TestCoordinator_CreateAndJoinViaLink(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")

	// Act
	code, err := host.CreateRoom(ctx, "  Alice  ")
	require.NoError(t, err)
	link := "https://eat.example/?room=" + strings.ToLower(code) + "&other=1"
	require.NoError(t, guest.JoinRoom(ctx, link, "Bob"))

	// Assert: meta 由房主创建，状态为 waiting
	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Equal(t, "host", meta.HostUID)
	assert.Equal(t, domain.StatusWaiting, meta.Status)
	assert.Equal(t, coordinator.DefaultRoomTTL.Milliseconds(), meta.ExpiresAt-meta.CreatedAt)

	require.Eventually(t, func() bool { return hasParticipant(host.State(), "guest") }, waitFor, tick,
		"房主应在一次心跳内看到访客")

	st := guest.State()
	assert.Equal(t, code, st.RoomCode)
	assert.False(t, st.IsHost)
	assert.Equal(t, coordinator.PhaseWaiting, st.Phase)
	assert.True(t, host.State().IsHost)
}

func TestCoordinator_ListDedupAndSpin(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	var committed []domain.SpinRecord
	var mu sync.Mutex
	host := h.client(t, "host", func(cfg *coordinator.Config) {
		cfg.OnSpinCommitted = func(code string, rec domain.SpinRecord) {
			mu.Lock()
			committed = append(committed, rec)
			mu.Unlock()
		}
	})
	guest := h.client(t, "guest")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	// Act: 推送带重复项的列表
	require.NoError(t, host.PushList(ctx, []string{"Char Koay Teow", "Nasi Kandar", "Nasi Kandar"}))

	// Assert: 存储中只有两项，顺序保持
	children, err := h.raw.Children(ctx, domain.ListPath(code))
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Eventually(t, func() bool { return len(host.State().List) == 2 }, waitFor, tick)
	list := host.State().List
	assert.Equal(t, "Char Koay Teow", list[0].Name)
	assert.Equal(t, "Nasi Kandar", list[1].Name)

	// Act: 转盘
	rec, err := host.Spin(ctx)
	require.NoError(t, err)

	// Assert: 访客渲染同一个赢家
	assert.Equal(t, list[rec.WinnerIndex].Name, rec.WinnerName)
	assert.Equal(t, coordinator.DefaultRevealDelay.Milliseconds(), rec.CompletedAt-rec.StartedAt)
	require.Eventually(t, func() bool {
		st := guest.State()
		return st.Spin != nil && st.Spin.SpinID == rec.SpinID
	}, waitFor, tick)
	assert.Equal(t, rec.WinnerName, guest.State().Spin.WinnerName)

	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, meta.Status)
	assert.Equal(t, rec.StartedAt, meta.LastSpinAt)
	require.Eventually(t, func() bool { return guest.State().Phase == coordinator.PhaseCompleted }, waitFor, tick)

	mu.Lock()
	assert.Len(t, committed, 1, "OnSpinCommitted 应被调用一次")
	mu.Unlock()
}

func TestCoordinator_CohostPushAndOutsiderRefused(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	outsiderStore := &countingStore{StateStore: h.backend.NewConn()}
	outsider := h.clientOn(t, outsiderStore, "outsider")

	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, outsider.JoinRoom(ctx, code, "Carol"))

	// Act: 房主授予访客 cohost
	require.NoError(t, host.SetCohost(ctx, "guest", true))
	require.Eventually(t, func() bool { return guest.State().IsCohost }, waitFor, tick)

	// Assert: cohost 可以推送列表
	require.NoError(t, guest.PushList(ctx, []string{"Laksa", "Roti Canai"}))
	require.Eventually(t, func() bool { return len(host.State().List) == 2 }, waitFor, tick)

	// Assert: 既非房主也非 cohost 的客户端在本地拒绝，不访问存储
	before := outsiderStore.Writes()
	err = outsider.PushList(ctx, []string{"Satay"})
	assert.ErrorIs(t, err, coordinator.ErrNotAuthorized)
	assert.Equal(t, coordinator.KindAuthority, coordinator.KindOf(err))
	assert.Equal(t, before, outsiderStore.Writes())
	children, err := h.raw.Children(ctx, domain.ListPath(code))
	require.NoError(t, err)
	assert.Len(t, children, 2)

	// Act: 撤销 cohost
	require.NoError(t, host.SetCohost(ctx, "guest", false))
	require.Eventually(t, func() bool { return !guest.State().IsCohost }, waitFor, tick)
	assert.ErrorIs(t, guest.PushList(ctx, []string{"Satay"}), coordinator.ErrNotAuthorized)
}

func TestCoordinator_PushListSkipsUnchanged(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	store := &countingStore{StateStore: h.backend.NewConn()}
	host := h.clientOn(t, store, "host")
	_, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	// Act
	require.NoError(t, host.PushList(ctx, []string{"A", "B"}))
	afterFirst := store.Writes()
	require.NoError(t, host.PushList(ctx, []string{" A ", "B", "b"}))
	afterSame := store.Writes()
	require.NoError(t, host.PushList(ctx, []string{"A", "C"}))

	// Assert
	assert.Equal(t, afterFirst, afterSame, "去重后与上次相同，不应写入")
	assert.Equal(t, afterSame+1, store.Writes())
}

func TestCoordinator_CreateCollision(t *testing.T) {
	// Arrange: 两个客户端被强制生成同一个房间码
	ctx := context.Background()
	h := newHarness(t)
	first := h.client(t, "first", fixedCode("ABC234"))
	second := h.client(t, "second", fixedCode("ABC234"))

	code, err := first.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, first.PushList(ctx, []string{"Laksa"}))

	// Act
	_, err = second.CreateRoom(ctx, "Bob")

	// Assert: 第二次失败且不覆盖第一个房间
	assert.ErrorIs(t, err, coordinator.ErrRoomExists)
	assert.Equal(t, coordinator.KindContention, coordinator.KindOf(err))
	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Equal(t, "first", meta.HostUID)
	assert.True(t, h.participantExists(t, code, "first"))
	assert.False(t, h.participantExists(t, code, "second"))
	children, err := h.raw.Children(ctx, domain.ListPath(code))
	require.NoError(t, err)
	assert.Len(t, children, 1)
	assert.Equal(t, coordinator.PhaseDisconnected, second.State().Phase)
}

func TestCoordinator_CreateReclaimsExpiredCode(t *testing.T) {
	// Arrange: 房间码对应一个已过期房间的遗留数据
	ctx := context.Background()
	h := newHarness(t)
	now := h.clock.Now().UnixMilli()
	require.NoError(t, h.raw.Set(ctx, domain.MetaPath("OLD234"), domain.RoomMeta{HostUID: "ghost", ExpiresAt: now - 1}))
	require.NoError(t, h.raw.Set(ctx, domain.ListPath("OLD234")+"/i000", domain.ListItem{Name: "Stale"}))
	require.NoError(t, h.raw.Set(ctx, domain.SpinPath("OLD234"), domain.SpinRecord{SpinID: "x", WinnerName: "Stale"}))
	host := h.client(t, "host", fixedCode("OLD234"))

	// Act
	code, err := host.CreateRoom(ctx, "Alice")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "OLD234", code)
	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Equal(t, "host", meta.HostUID)
	children, err := h.raw.Children(ctx, domain.ListPath(code))
	require.NoError(t, err)
	assert.Empty(t, children)
	_, ok, err = h.raw.Get(ctx, domain.SpinPath(code))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinator_SpinCooldownExactlyOneCommit(t *testing.T) {
	// Arrange: 房主与 cohost 同时发起转盘
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	cohost := h.client(t, "cohost")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, cohost.JoinRoom(ctx, code, "Bob"))
	require.NoError(t, host.SetCohost(ctx, "cohost", true))
	require.NoError(t, host.PushList(ctx, []string{"Laksa", "Satay", "Cendol"}))
	require.Eventually(t, func() bool {
		st := cohost.State()
		return st.IsCohost && len(st.List) == 3
	}, waitFor, tick)

	// Act
	type outcome struct {
		rec domain.SpinRecord
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, c := range []*coordinator.Coordinator{host, cohost} {
		wg.Add(1)
		go func(c *coordinator.Coordinator) {
			defer wg.Done()
			rec, err := c.Spin(ctx)
			results <- outcome{rec, err}
		}(c)
	}
	wg.Wait()
	close(results)

	// Assert: 恰好一个提交，另一个报告冷却
	var winners []domain.SpinRecord
	var losers []error
	for r := range results {
		if r.err == nil {
			winners = append(winners, r.rec)
		} else {
			losers = append(losers, r.err)
		}
	}
	require.Len(t, winners, 1)
	require.Len(t, losers, 1)
	assert.ErrorIs(t, losers[0], coordinator.ErrSpinCooldown)
	assert.Equal(t, coordinator.Reason(coordinator.ErrSpinCooldown), coordinator.Reason(losers[0]))

	raw, ok, err := h.raw.Get(ctx, domain.SpinPath(code))
	require.NoError(t, err)
	require.True(t, ok)
	stored, ok := domain.ParseSpinRecord(raw)
	require.True(t, ok)
	assert.Equal(t, winners[0].SpinID, stored.SpinID)

	// 冷却结束后可以再次转盘
	h.clock.Advance(coordinator.DefaultSpinCooldown)
	rec, err := cohost.Spin(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, winners[0].SpinID, rec.SpinID)
}

func TestCoordinator_SpinPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")

	_, err := host.Spin(ctx)
	assert.ErrorIs(t, err, coordinator.ErrNotInRoom)

	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	_, err = host.Spin(ctx)
	assert.ErrorIs(t, err, coordinator.ErrEmptyList)
	assert.Equal(t, coordinator.KindValidation, coordinator.KindOf(err))

	_, err = guest.Spin(ctx)
	assert.ErrorIs(t, err, coordinator.ErrNotAuthorized)

	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Zero(t, meta.LastSpinAt, "被拒绝的转盘不应修改 meta")
}

func TestCoordinator_SpinUsesListJustPushed(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, host.PushList(ctx, []string{"Old"}))
	require.Eventually(t, func() bool { return len(host.State().List) == 1 }, waitFor, tick)

	for i := 0; i < 20; i++ {
		h.clock.Advance(coordinator.DefaultSpinCooldown)
		names := []string{"New", "Other"}
		if i%2 == 1 {
			names = []string{"A", "B", "C"}
		}

		// Act: 推送后立即转盘，不等待订阅回调
		require.NoError(t, host.PushList(ctx, names))
		rec, err := host.Spin(ctx)

		// Assert: 赢家来自刚推送的列表，下标与存储中的列表一致
		require.NoError(t, err)
		require.Less(t, rec.WinnerIndex, len(names))
		assert.Equal(t, names[rec.WinnerIndex], rec.WinnerName)
		children, err := h.raw.Children(ctx, domain.ListPath(code))
		require.NoError(t, err)
		assert.Len(t, children, len(names))
	}
}

// listWipingStore 在 meta 事务提交后清空共享列表一次，模拟并发推送空列表
type listWipingStore struct {
	repository.StateStore
	mu    sync.Mutex
	armed bool
}

func (s *listWipingStore) Transaction(ctx context.Context, path string, fn repository.TxFunc) (bool, error) {
	ok, err := s.StateStore.Transaction(ctx, path, fn)
	s.mu.Lock()
	wipe := s.armed && ok && err == nil && strings.HasSuffix(path, "/meta")
	if wipe {
		s.armed = false
	}
	s.mu.Unlock()
	if wipe {
		code := strings.TrimSuffix(strings.TrimPrefix(path, "rooms/"), "/meta")
		if rerr := s.StateStore.Remove(ctx, domain.ListPath(code)); rerr != nil {
			return ok, rerr
		}
	}
	return ok, err
}

func TestCoordinator_SpinRollsBackWhenListEmptiedAfterCommit(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	store := &listWipingStore{StateStore: h.backend.NewConn()}
	host := h.clientOn(t, store, "host")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, host.PushList(ctx, []string{"Laksa"}))
	store.mu.Lock()
	store.armed = true
	store.mu.Unlock()

	// Act
	_, err = host.Spin(ctx)

	// Assert: 没有写出结果，meta 恢复到转盘前
	assert.ErrorIs(t, err, coordinator.ErrEmptyList)
	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Equal(t, domain.StatusWaiting, meta.Status)
	assert.Zero(t, meta.LastSpinAt, "回滚后冷却不应生效")
	_, exists, err := h.raw.Get(ctx, domain.SpinPath(code))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCoordinator_ResetSpin(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, host.PushList(ctx, []string{"Laksa"}))
	require.Eventually(t, func() bool { return len(host.State().List) == 1 }, waitFor, tick)
	_, err = host.Spin(ctx)
	require.NoError(t, err)

	// Act
	require.NoError(t, host.ResetSpin(ctx))

	// Assert
	meta, ok := h.meta(t, code)
	require.True(t, ok)
	assert.Equal(t, domain.StatusWaiting, meta.Status)
	require.Eventually(t, func() bool {
		st := host.State()
		return st.Spin == nil && st.Phase == coordinator.PhaseWaiting
	}, waitFor, tick)

	// 重置不影响冷却
	_, err = host.Spin(ctx)
	assert.ErrorIs(t, err, coordinator.ErrSpinCooldown)
}

// --- 在线状态与过期 ---

func TestCoordinator_StaleParticipantsFilteredAndSwept(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasParticipant(host.State(), "host") }, waitFor, tick)

	// 在房主刚清理过之后写入一个很久没有心跳的参与者
	now := h.clock.Now().UnixMilli()
	ghost := domain.Participant{UID: "ghost", Name: "Ghost", JoinedAt: now - 120000, LastSeenAt: now - 60000}
	require.NoError(t, h.raw.Set(ctx, domain.ParticipantPath(code, "ghost"), ghost))

	// Act
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	// Assert: 清理之前就已从所有客户端的视图中排除
	require.Eventually(t, func() bool { return hasParticipant(guest.State(), "host") }, waitFor, tick)
	assert.False(t, hasParticipant(guest.State(), "ghost"))
	assert.False(t, hasParticipant(host.State(), "ghost"))
	assert.True(t, h.participantExists(t, code, "ghost"), "冷却期内房主不应清理")

	// 冷却期过后，房主在下一次参与者快照时清理
	h.clock.Advance(coordinator.DefaultSweepCooldown)
	require.Eventually(t, func() bool { return !h.participantExists(t, code, "ghost") }, waitFor, tick)
	assert.True(t, h.participantExists(t, code, "guest"))
}

func TestCoordinator_ExpiredMetaForcesLeave(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	// Act: 外部把 meta 改成已过期
	meta, ok := h.meta(t, code)
	require.True(t, ok)
	meta.ExpiresAt = h.clock.Now().UnixMilli() - 1
	require.NoError(t, h.raw.Set(ctx, domain.MetaPath(code), meta))

	// Assert: 每个客户端独立离开并得到一次性提示
	for _, c := range []*coordinator.Coordinator{host, guest} {
		require.Eventually(t, func() bool { return c.State().Phase == coordinator.PhaseDisconnected }, waitFor, tick)
		assert.Equal(t, coordinator.Reason(coordinator.ErrRoomExpired), c.TakeNotice())
		assert.Empty(t, c.TakeNotice(), "提示只出现一次")
	}
	require.Eventually(t, func() bool {
		return !h.participantExists(t, code, "host") && !h.participantExists(t, code, "guest")
	}, waitFor, tick)
}

func TestCoordinator_HeartbeatDetectsExpiry(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	var notices []string
	var mu sync.Mutex
	host := h.client(t, "host", func(cfg *coordinator.Config) {
		cfg.OnChange = func(st coordinator.State) {
			if st.Notice != "" {
				mu.Lock()
				notices = append(notices, st.Notice)
				mu.Unlock()
			}
		}
	})
	_, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	// Act: 时间越过 TTL，没有任何存储变化
	h.clock.Advance(coordinator.DefaultRoomTTL + time.Minute)

	// Assert
	require.Eventually(t, func() bool { return host.State().Phase == coordinator.PhaseDisconnected }, waitFor, tick)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, coordinator.Reason(coordinator.ErrRoomExpired), notices[0])
	mu.Unlock()
}

func TestCoordinator_CloseRoomEvictsGuests(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	assert.ErrorIs(t, guest.CloseRoom(ctx), coordinator.ErrNotHost)

	// Act
	require.NoError(t, host.CloseRoom(ctx))

	// Assert
	assert.Equal(t, coordinator.PhaseDisconnected, host.State().Phase)
	require.Eventually(t, func() bool { return guest.State().Phase == coordinator.PhaseDisconnected }, waitFor, tick)
	assert.Equal(t, coordinator.Reason(coordinator.ErrRoomClosed), guest.TakeNotice())
	require.Eventually(t, func() bool {
		keys, err := h.raw.ChildKeys(ctx, domain.RoomsRoot)
		return err == nil && len(keys) == 0
	}, waitFor, tick)
}

func TestCoordinator_LeaveStopsHeartbeat(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))
	time.Sleep(50 * time.Millisecond) // 让心跳跑几轮

	// Act
	require.NoError(t, guest.LeaveRoom(ctx))

	// Assert: 离开后不再有心跳写入
	assert.False(t, h.participantExists(t, code, "guest"))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, h.participantExists(t, code, "guest"), "离开后心跳不应复活记录")
	assert.Equal(t, coordinator.PhaseDisconnected, guest.State().Phase)
	require.NoError(t, guest.LeaveRoom(ctx), "重复离开应无副作用")
}

func TestCoordinator_SetReadyUpdatesRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	assert.ErrorIs(t, guest.SetReady(ctx, true), coordinator.ErrNotInRoom)

	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	require.NoError(t, guest.SetReady(ctx, true))
	require.Eventually(t, func() bool {
		for _, p := range host.State().Participants {
			if p.UID == "guest" {
				return p.Ready
			}
		}
		return false
	}, waitFor, tick)
}

// --- 加入 ---

func TestCoordinator_JoinValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	guest := h.client(t, "guest")

	tests := []struct {
		name    string
		input   string
		display string
		want    error
	}{
		{"too short", "AB", "Bob", coordinator.ErrInvalidRoomCode},
		{"short link", "https://x/?room=ab", "Bob", coordinator.ErrInvalidRoomCode},
		{"blank name", "ABC234", "   ", coordinator.ErrInvalidName},
		{"missing room", "ZZZ999", "Bob", coordinator.ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guest.JoinRoom(ctx, tt.input, tt.display)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, coordinator.PhaseDisconnected, guest.State().Phase)
		})
	}
}

func TestCoordinator_JoinExpiredRoomRemovesIt(t *testing.T) {
	// Arrange
	ctx := context.Background()
	h := newHarness(t)
	now := h.clock.Now().UnixMilli()
	require.NoError(t, h.raw.Set(ctx, domain.MetaPath("EXP234"), domain.RoomMeta{HostUID: "gone", ExpiresAt: now - 1}))
	require.NoError(t, h.raw.Set(ctx, domain.ParticipantPath("EXP234", "gone"), domain.Participant{UID: "gone", LastSeenAt: now}))
	guest := h.client(t, "guest")

	// Act
	err := guest.JoinRoom(ctx, "exp234", "Bob")

	// Assert
	assert.ErrorIs(t, err, coordinator.ErrRoomExpired)
	assert.Equal(t, coordinator.KindExpiry, coordinator.KindOf(err))
	keys, err := h.raw.ChildKeys(ctx, domain.RoomsRoot)
	require.NoError(t, err)
	assert.Empty(t, keys, "过期房间子树应被尽力删除")
}

func TestCoordinator_RoomFullAndRejoin(t *testing.T) {
	// Arrange: 上限为 2，房间里已有房主和另一名活跃参与者，以及一条崩溃标签页留下的记录
	ctx := context.Background()
	h := newHarness(t)
	limit := func(cfg *coordinator.Config) { cfg.MaxParticipants = 2 }
	host := h.client(t, "host", limit)
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	now := h.clock.Now().UnixMilli()
	require.NoError(t, h.raw.Set(ctx, domain.ParticipantPath(code, "carol"),
		domain.Participant{UID: "carol", Name: "Carol", JoinedAt: now, LastSeenAt: now}))
	firstJoined := now - 300000
	require.NoError(t, h.raw.Set(ctx, domain.ParticipantPath(code, "guest"),
		domain.Participant{UID: "guest", Name: "Bob", JoinedAt: firstJoined, LastSeenAt: now}))

	// Act & Assert: 新身份被拒绝
	outsider := h.client(t, "outsider", limit)
	err = outsider.JoinRoom(ctx, code, "Dave")
	assert.ErrorIs(t, err, coordinator.ErrRoomFull)
	assert.False(t, h.participantExists(t, code, "outsider"))

	// Act & Assert: 已有记录的身份重新加入，不受上限影响且保留 joinedAt
	h.clock.Advance(10 * time.Second)
	guest := h.client(t, "guest", limit)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bobby"))
	raw, ok, err := h.raw.Get(ctx, domain.ParticipantPath(code, "guest"))
	require.NoError(t, err)
	require.True(t, ok)
	again, ok := domain.ParseParticipant("guest", raw)
	require.True(t, ok)
	assert.Equal(t, firstJoined, again.JoinedAt)
	assert.Equal(t, "Bobby", again.Name)
}

func TestCoordinator_JoinUnwindsOnSubscribeFailure(t *testing.T) {
	// Arrange: 第三个订阅失败
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	store := &failingStore{StateStore: h.backend.NewConn(), failOn: 3}
	guest := h.clientOn(t, store, "guest")

	// Act
	err = guest.JoinRoom(ctx, code, "Bob")

	// Assert: 整体回滚，不留下在线记录
	assert.ErrorIs(t, err, coordinator.ErrTransient)
	assert.Equal(t, coordinator.KindTransient, coordinator.KindOf(err))
	assert.False(t, h.participantExists(t, code, "guest"))
	assert.Equal(t, coordinator.PhaseDisconnected, guest.State().Phase)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, h.participantExists(t, code, "guest"))
}

func TestCoordinator_SwitchRoomsTearsDownPrevious(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	hostA := h.client(t, "hostA")
	hostB := h.client(t, "hostB")
	guest := h.client(t, "guest")
	codeA, err := hostA.CreateRoom(ctx, "A")
	require.NoError(t, err)
	codeB, err := hostB.CreateRoom(ctx, "B")
	require.NoError(t, err)

	require.NoError(t, guest.JoinRoom(ctx, codeA, "Bob"))
	require.NoError(t, guest.JoinRoom(ctx, codeB, "Bob"))

	assert.False(t, h.participantExists(t, codeA, "guest"))
	assert.True(t, h.participantExists(t, codeB, "guest"))
	assert.Equal(t, codeB, guest.State().RoomCode)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, h.participantExists(t, codeA, "guest"), "旧房间的心跳应已停止")
}

func TestCoordinator_SetCohostRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	host := h.client(t, "host")
	guest := h.client(t, "guest")
	assert.ErrorIs(t, host.SetCohost(ctx, "guest", true), coordinator.ErrNotInRoom)

	code, err := host.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, code, "Bob"))

	assert.ErrorIs(t, host.SetCohost(ctx, "host", true), coordinator.ErrInvalidTarget)
	assert.ErrorIs(t, host.SetCohost(ctx, "", true), coordinator.ErrInvalidTarget)
	assert.ErrorIs(t, guest.SetCohost(ctx, "host", true), coordinator.ErrNotHost)

	_, ok, err := h.raw.Get(ctx, domain.CohostPath(code, "host"))
	require.NoError(t, err)
	assert.False(t, ok, "房主不应出现在 cohost 集合中")
}

func TestCleanList(t *testing.T) {
	got := coordinator.CleanList([]string{" Laksa ", "", "laksa", "Satay", "SATAY", "Cendol"}, 2)
	assert.Equal(t, []string{"Laksa", "Satay"}, got)
	assert.Empty(t, coordinator.CleanList(nil, 5))
}
