package coordinator

import (
	"errors"
	"fmt"
)

// Kind 对错误按处理方式分类
type Kind string

const (
	KindConfiguration Kind = "configuration" // 后端不可用，启动时报告一次
	KindValidation    Kind = "validation"    // 输入非法，不访问存储
	KindAuthority     Kind = "authority"     // 本地权限检查失败
	KindContention    Kind = "contention"    // 冷却、房间码冲突、满员，可重试
	KindExpiry        Kind = "expiry"        // 房间消失或过期，已自动离开
	KindTransient     Kind = "transient"     // 临时 I/O 失败，已回滚
	KindUnknown       Kind = "unknown"
)

var (
	ErrInvalidRoomCode = errors.New("invalid room code")
	ErrInvalidName     = errors.New("display name is required")
	ErrInvalidTarget   = errors.New("invalid cohost target")
	ErrEmptyList       = errors.New("shared list is empty")
	ErrNotInRoom       = errors.New("not in a room")

	ErrNotHost       = errors.New("only the host can do this")
	ErrNotAuthorized = errors.New("only the host or a cohost can do this")

	ErrRoomExists   = errors.New("room code already in use")
	ErrRoomFull     = errors.New("room is full")
	ErrSpinCooldown = errors.New("spin is cooling down")

	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExpired  = errors.New("room expired")
	ErrRoomClosed   = errors.New("room closed")

	ErrTransient        = errors.New("temporary store failure")
	ErrSuperseded       = errors.New("superseded by a newer room change")
	ErrStoreUnavailable = errors.New("coordination backend unavailable")
)

var kinds = map[error]Kind{
	ErrInvalidRoomCode:  KindValidation,
	ErrInvalidName:      KindValidation,
	ErrInvalidTarget:    KindValidation,
	ErrEmptyList:        KindValidation,
	ErrNotInRoom:        KindValidation,
	ErrNotHost:          KindAuthority,
	ErrNotAuthorized:    KindAuthority,
	ErrRoomExists:       KindContention,
	ErrRoomFull:         KindContention,
	ErrSpinCooldown:     KindContention,
	ErrRoomNotFound:     KindExpiry,
	ErrRoomExpired:      KindExpiry,
	ErrRoomClosed:       KindExpiry,
	ErrTransient:        KindTransient,
	ErrSuperseded:       KindTransient,
	ErrStoreUnavailable: KindConfiguration,
}

var reasons = map[error]string{
	ErrInvalidRoomCode:  "That room code doesn't look right.",
	ErrInvalidName:      "Please enter a display name.",
	ErrInvalidTarget:    "That participant can't be made a co-host.",
	ErrEmptyList:        "Add at least one restaurant before spinning.",
	ErrNotInRoom:        "You're not in a room.",
	ErrNotHost:          "Only the host can do that.",
	ErrNotAuthorized:    "Only the host or a co-host can do that.",
	ErrRoomExists:       "Couldn't create a room right now. Please try again.",
	ErrRoomFull:         "This room is full.",
	ErrSpinCooldown:     "Please wait a moment before spinning again.",
	ErrRoomNotFound:     "Room not found.",
	ErrRoomExpired:      "This room has expired.",
	ErrRoomClosed:       "This room was closed by the host.",
	ErrTransient:        "Something went wrong. Please try again.",
	ErrSuperseded:       "Something went wrong. Please try again.",
	ErrStoreUnavailable: "Group rooms are unavailable right now.",
}

// KindOf 返回错误所属分类
func KindOf(err error) Kind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Reason 返回面向用户的错误描述
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, reason := range reasons {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return reasons[ErrTransient]
}

// transient 包装底层存储错误，保留原始错误链
func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}
