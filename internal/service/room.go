package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isaacncz/Eat-Spin-sub000/internal/domain"
	"github.com/isaacncz/Eat-Spin-sub000/internal/repository"
	"github.com/isaacncz/Eat-Spin-sub000/internal/roomcode"
)

// RoomSummary 是房间的只读概要，用于加入前预览分享链接
type RoomSummary struct {
	Code         string            `json:"code"`
	Live         bool              `json:"live"`
	Status       domain.RoomStatus `json:"status"`
	Participants int               `json:"participants"`
	ItemCount    int               `json:"itemCount"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	ShareLink    string            `json:"shareLink,omitempty"`
}

// RoomService 提供不需要加入房间的只读查询。
// 写操作全部经由每个连接自己的 Coordinator 完成。
type RoomService struct {
	store      repository.StateStore
	staleAfter time.Duration
	baseURL    string
	now        func() time.Time
}

// NewRoomService 创建 RoomService 实例
func NewRoomService(store repository.StateStore, staleAfter time.Duration, baseURL string) *RoomService {
	if store == nil {
		panic("StateStore cannot be nil for RoomService")
	}
	return &RoomService{store: store, staleAfter: staleAfter, baseURL: baseURL, now: time.Now}
}

// Lookup 按房间码或分享链接查询房间概要
func (s *RoomService) Lookup(ctx context.Context, input string) (*RoomSummary, error) {
	code := roomcode.ExtractRoomCode(input)
	if !roomcode.ValidRoomCode(code) {
		return nil, ErrInvalidRoomCode
	}
	logCtx := logrus.WithField("room_code", code)

	raw, ok, err := s.store.Get(ctx, domain.MetaPath(code))
	if err != nil {
		logCtx.WithError(err).Error("Failed to read room meta")
		return nil, ErrInternalServer
	}
	meta, valid := domain.ParseRoomMeta(raw)
	if !ok || !valid {
		return nil, ErrRoomNotFound
	}

	nowMs := s.now().UnixMilli()
	summary := &RoomSummary{
		Code:      code,
		Live:      meta.Live(nowMs),
		Status:    meta.Status,
		ExpiresAt: time.UnixMilli(meta.ExpiresAt).UTC(),
	}
	if !summary.Live {
		return summary, nil
	}

	participants, err := s.store.Children(ctx, domain.ParticipantsPath(code))
	if err != nil {
		logCtx.WithError(err).Error("Failed to read participants")
		return nil, ErrInternalServer
	}
	for key, v := range participants {
		if p, ok := domain.ParseParticipant(key, v); ok && p.Active(nowMs, s.staleAfter.Milliseconds()) {
			summary.Participants++
		}
	}
	items, err := s.store.Children(ctx, domain.ListPath(code))
	if err != nil {
		logCtx.WithError(err).Error("Failed to read list")
		return nil, ErrInternalServer
	}
	for _, v := range items {
		if _, ok := domain.ParseListItem(v); ok {
			summary.ItemCount++
		}
	}
	if s.baseURL != "" {
		if link, err := roomcode.ShareLink(s.baseURL, code, ""); err == nil {
			summary.ShareLink = link
		}
	}
	return summary, nil
}
