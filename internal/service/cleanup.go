package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
)

// CleanupReport 是一次清理的结果
type CleanupReport struct {
	DryRun         bool     `json:"dryRun"`
	Expired        []string `json:"expired"` // 已删除 (或 dry run 时将删除) 的房间码
	Deleted        int      `json:"deleted"`
	ReapedSessions int      `json:"reapedSessions"`
}

// CleanupService 是独立于在线客户端的过期房间回收。
// 扫描 rooms 下的全部房间，meta 缺失、无法解析或已过期的房间整棵删除。
type CleanupService struct {
	store  repository.StateStore
	reaper repository.SessionReaper // 可为 nil
	now    func() time.Time
}

// NewCleanupService 创建 CleanupService 实例
func NewCleanupService(store repository.StateStore, reaper repository.SessionReaper) *CleanupService {
	if store == nil {
		panic("StateStore cannot be nil for CleanupService")
	}
	return &CleanupService{store: store, reaper: reaper, now: time.Now}
}

// WithClock 替换时钟，用于测试
func (s *CleanupService) WithClock(now func() time.Time) *CleanupService {
	s.now = now
	return s
}

// Run 执行一次清理。dryRun 时只报告，不修改存储；没有过期房间不是错误。
func (s *CleanupService) Run(ctx context.Context, dryRun, reapSessions bool) (*CleanupReport, error) {
	logCtx := logrus.WithFields(logrus.Fields{"component": "cleanup", "dry_run": dryRun})
	report := &CleanupReport{DryRun: dryRun, Expired: []string{}}

	// 先回收异常断线会话，其参与者记录随之删除
	if reapSessions && s.reaper != nil {
		n, err := s.reaper.ReapExpiredSessions(ctx, dryRun)
		if err != nil {
			return report, fmt.Errorf("reap expired sessions: %w", err)
		}
		report.ReapedSessions = n
	}

	codes, err := s.store.ChildKeys(ctx, domain.RoomsRoot)
	if err != nil {
		return report, fmt.Errorf("list rooms: %w", err)
	}
	sort.Strings(codes)

	for _, code := range codes {
		expired, err := s.expired(ctx, code)
		if err != nil {
			return report, err
		}
		if !expired {
			continue
		}
		report.Expired = append(report.Expired, code)
		if dryRun {
			logCtx.WithField("room_code", code).Info("Expired room would be deleted")
			continue
		}
		// 删除前再确认一次，缩小与重新创建同一房间码之间的竞争窗口
		if still, err := s.expired(ctx, code); err != nil || !still {
			if err != nil {
				return report, err
			}
			report.Expired = report.Expired[:len(report.Expired)-1]
			continue
		}
		if err := s.store.Remove(ctx, domain.RoomPath(code)); err != nil {
			return report, fmt.Errorf("delete room %s: %w", code, err)
		}
		report.Deleted++
		logCtx.WithField("room_code", code).Info("Expired room deleted")
	}

	logCtx.WithFields(logrus.Fields{
		"scanned":         len(codes),
		"expired":         len(report.Expired),
		"deleted":         report.Deleted,
		"reaped_sessions": report.ReapedSessions,
	}).Info("Room cleanup finished")
	return report, nil
}

func (s *CleanupService) expired(ctx context.Context, code string) (bool, error) {
	raw, ok, err := s.store.Get(ctx, domain.MetaPath(code))
	if err != nil {
		return false, fmt.Errorf("read meta of room %s: %w", code, err)
	}
	if !ok {
		return true, nil
	}
	meta, valid := domain.ParseRoomMeta(raw)
	return !valid || !meta.Live(s.now().UnixMilli()), nil
}
